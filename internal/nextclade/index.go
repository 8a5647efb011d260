package nextclade

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

const defaultIndexBaseURL = "https://data.clades.nextstrain.org"

// IndexClient fetches the remote dataset index so the API can report which
// datasets are currently published.
type IndexClient struct {
	client *resty.Client
}

func NewIndexClient(baseURL string) *IndexClient {
	if baseURL == "" {
		baseURL = defaultIndexBaseURL
	}
	return &IndexClient{
		client: resty.New().SetBaseURL(baseURL).SetTimeout(30 * time.Second),
	}
}

type datasetIndex struct {
	Datasets []struct {
		Name    string `json:"name"`
		Enabled bool   `json:"enabled"`
	} `json:"datasets"`
}

// ListEnabled returns the names of datasets the remote index marks as enabled.
func (c *IndexClient) ListEnabled(ctx context.Context) ([]string, error) {
	var index datasetIndex
	res, err := c.client.R().
		SetContext(ctx).
		SetResult(&index).
		Get("/index.json")
	if err != nil {
		return nil, fmt.Errorf("error fetching dataset index: %w", err)
	}
	if res.IsError() {
		return nil, fmt.Errorf("dataset index returned status %d", res.StatusCode())
	}

	var names []string
	for _, d := range index.Datasets {
		if d.Enabled {
			names = append(names, d.Name)
		}
	}
	return names, nil
}
