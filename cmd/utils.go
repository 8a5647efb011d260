package cmd

import (
	"context"
	"flag"
	"log"

	"nextclade-backend/internal/storage"

	"github.com/joho/godotenv"
)

// BucketConfig names the three object store buckets the pipeline uses:
// uploaded FASTA files, staged reference datasets, and analysis results.
type BucketConfig struct {
	UploadBucket  string `env:"UPLOAD_BUCKET" envDefault:"uploads"`
	DatasetBucket string `env:"DATASET_BUCKET" envDefault:"datasets"`
	ResultBucket  string `env:"RESULT_BUCKET" envDefault:"results"`
}

func (c BucketConfig) EnsureBuckets(ctx context.Context, store storage.ObjectStore) error {
	for _, bucket := range []string{c.UploadBucket, c.DatasetBucket, c.ResultBucket} {
		if err := store.CreateBucket(ctx, bucket); err != nil {
			return err
		}
	}
	return nil
}

func LoadEnvFile() {
	var configPath string

	flag.StringVar(&configPath, "env", "", "path to load env from")
	flag.Parse()

	if configPath == "" {
		log.Printf("no env file specified, using os.Environ only")
		return
	}

	log.Printf("loading env from file %s", configPath)
	err := godotenv.Load(configPath)
	if err != nil {
		log.Fatalf("error loading .env file '%s': %v", configPath, err)
	}
}
