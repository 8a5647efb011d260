// Command submit uploads a directory of FASTA files and creates an analysis
// run, one sample per file.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"nextclade-backend/internal/fasta"
	"nextclade-backend/pkg/api"

	"github.com/go-resty/resty/v2"
	"github.com/schollz/progressbar/v3"
)

// validateFasta parses the file locally so malformed inputs fail fast with a
// line number instead of a server-side rejection mid-batch.
func validateFasta(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	records, err := fasta.Parse(f)
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

func main() {
	var (
		apiURL  string
		dataset string
		runName string
		dir     string
	)

	flag.StringVar(&apiURL, "api", "http://localhost:3001/api/v1", "base url of the backend api")
	flag.StringVar(&dataset, "dataset", "", "reference dataset name, e.g. sars-cov-2")
	flag.StringVar(&runName, "name", "", "name for the run")
	flag.StringVar(&dir, "dir", "", "directory containing one fasta file per sample")
	flag.Parse()

	if dataset == "" || runName == "" || dir == "" {
		flag.Usage()
		os.Exit(2)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Fatalf("error reading directory %s: %v", dir, err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext == ".fasta" || ext == ".fa" || ext == ".fna" {
			files = append(files, entry.Name())
		}
	}

	if len(files) == 0 {
		log.Fatalf("no fasta files found in %s", dir)
	}

	client := resty.New().SetBaseURL(apiURL)

	bar := progressbar.NewOptions(len(files),
		progressbar.OptionSetDescription("uploading samples"),
		progressbar.OptionShowCount(),
	)

	for _, file := range files {
		count, err := validateFasta(filepath.Join(dir, file))
		if err != nil {
			log.Fatalf("invalid fasta %s: %v", file, err)
		}
		if count == 0 {
			log.Fatalf("fasta %s contains no sequences", file)
		}
	}

	samples := make([]api.SampleSpec, 0, len(files))
	for _, file := range files {
		var upload api.UploadResponse
		res, err := client.R().
			SetFile("file", filepath.Join(dir, file)).
			SetResult(&upload).
			Post("/uploads")
		if err != nil {
			log.Fatalf("error uploading %s: %v", file, err)
		}
		if res.IsError() {
			log.Fatalf("error uploading %s: %s: %s", file, res.Status(), res.String())
		}

		name := strings.TrimSuffix(file, filepath.Ext(file))
		samples = append(samples, api.SampleSpec{Name: name, UploadId: upload.Id})

		bar.Add(1) //nolint:errcheck
	}
	fmt.Println()

	var created api.CreateRunResponse
	res, err := client.R().
		SetBody(api.CreateRunRequest{RunName: runName, Dataset: dataset, Samples: samples}).
		SetResult(&created).
		Post("/runs")
	if err != nil {
		log.Fatalf("error creating run: %v", err)
	}
	if res.IsError() {
		log.Fatalf("error creating run: %s: %s", res.Status(), res.String())
	}

	fmt.Printf("run %s submitted with %d samples\n", created.RunId, len(samples))
}
