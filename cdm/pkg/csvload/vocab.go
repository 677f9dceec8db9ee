package csvload

import (
	"archive/zip"
	"bufio"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/malbeclabs/omop/cdm/pkg/postgres"
	"github.com/malbeclabs/omop/cdm/pkg/vocab"
)

var ErrMissingArchiveEntry = errors.New("vocabulary file missing from archive")

// Athena exports are tab separated and unquoted. Backspace never occurs in
// the data, so it serves as a quote character that disables quoting.
const vocabCopyOptions = `WITH (FORMAT CSV, HEADER, DELIMITER E'\t', QUOTE E'\b')`

// LoadVocabularies copies the vocabulary files of an Athena archive into the
// vocabulary tables of schema. Tables that already hold rows are skipped.
// Entries are matched on base name, ignoring case and any directories.
func (l *Loader) LoadVocabularies(ctx context.Context, schema, archivePath string) (Result, error) {
	var res Result

	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return res, fmt.Errorf("failed to open vocabulary archive: %w", err)
	}
	defer zr.Close()

	entries := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		entries[strings.ToLower(path.Base(f.Name))] = f
	}

	l.log.Debug("csvload: loading vocabularies", "archive", archivePath, "entries", len(entries))
	for _, table := range vocab.Tables {
		name := vocab.FileName(table)
		entry, ok := entries[strings.ToLower(name)]
		if !ok {
			return res, fmt.Errorf("%w: %s", ErrMissingArchiveEntry, name)
		}

		qualified, err := postgres.Ident(schema, table)
		if err != nil {
			return res, err
		}

		empty, err := l.prober.TableIsEmpty(ctx, schema, table)
		if err != nil {
			return res, err
		}
		if !empty {
			l.log.Debug("csvload: vocabulary table not empty, skipping", "table", qualified)
			res.Skipped = append(res.Skipped, qualified)
			continue
		}

		n, err := l.copyEntry(ctx, qualified, entry)
		if err != nil {
			return res, err
		}
		l.log.Info("loaded vocabulary", "table", qualified, "rows", n)
		res.Loaded = append(res.Loaded, TableResult{Table: qualified, Rows: n})
	}
	return res, nil
}

func (l *Loader) copyEntry(ctx context.Context, qualified string, entry *zip.File) (int64, error) {
	rc, err := entry.Open()
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", entry.Name, err)
	}
	defer rc.Close()

	n, err := l.conn.CopyFrom(ctx, bufio.NewReader(rc), "COPY "+qualified+" FROM STDIN "+vocabCopyOptions)
	if err != nil {
		return 0, fmt.Errorf("failed to copy %s into %s: %w", entry.Name, qualified, err)
	}
	return n, nil
}
