package main

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wordtrail/enrich-cli/internal/model"
)

var importCSVPath string

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import words from CSV into the store",
	Long:  "Reads a CSV with columns text,category,difficulty (header row optional) and inserts new words. Existing words are left untouched.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		words, err := readWordsCSV(importCSVPath)
		if err != nil {
			return err
		}

		inserted, err := st.InsertWords(ctx, words)
		if err != nil {
			return err
		}

		zap.L().Info("import complete",
			zap.Int("rows", len(words)),
			zap.Int64("inserted", inserted),
			zap.String("csv", importCSVPath),
		)
		return nil
	},
}

func readWordsCSV(path string) ([]model.Word, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "open csv")
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	var words []model.Word
	for line := 1; ; line++ {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrapf(err, "read csv line %d", line)
		}

		text := strings.TrimSpace(rec[0])
		if text == "" || (line == 1 && strings.EqualFold(text, "text")) {
			continue
		}

		w := model.Word{Text: text}
		if len(rec) > 1 {
			w.Category = strings.TrimSpace(rec[1])
		}
		if len(rec) > 2 && strings.TrimSpace(rec[2]) != "" {
			d, err := strconv.Atoi(strings.TrimSpace(rec[2]))
			if err != nil {
				return nil, eris.Wrapf(err, "csv line %d: difficulty", line)
			}
			w.Difficulty = d
		}
		words = append(words, w)
	}

	if len(words) == 0 {
		return nil, eris.Errorf("no words found in %s", path)
	}
	return words, nil
}

func init() {
	importCmd.Flags().StringVar(&importCSVPath, "csv", "", "path to CSV file (required)")
	_ = importCmd.MarkFlagRequired("csv")
	rootCmd.AddCommand(importCmd)
}
