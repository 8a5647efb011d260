package nextclade

import (
	"fmt"
	"sort"
)

// Dataset names a reference dataset that the nextclade CLI can download with
// `nextclade dataset get --name <name>`.
type Dataset string

const (
	DatasetSarsCov2    Dataset = "sars-cov-2"
	DatasetMPXV        Dataset = "MPXV"
	DatasetHMPXV       Dataset = "hMPXV"
	DatasetHMPXVB1     Dataset = "hMPXV_B1"
	DatasetFluH1N1pdm  Dataset = "flu_h1n1pdm_ha"
	DatasetFluH3N2     Dataset = "flu_h3n2_ha"
	DatasetFluVictoria Dataset = "flu_vic_ha"
	DatasetFluYamagata Dataset = "flu_yam_ha"
)

var knownDatasets = map[Dataset]struct{}{
	DatasetSarsCov2:    {},
	DatasetMPXV:        {},
	DatasetHMPXV:       {},
	DatasetHMPXVB1:     {},
	DatasetFluH1N1pdm:  {},
	DatasetFluH3N2:     {},
	DatasetFluVictoria: {},
	DatasetFluYamagata: {},
}

// ParseDataset validates a user supplied dataset name.
func ParseDataset(name string) (Dataset, error) {
	d := Dataset(name)
	if _, ok := knownDatasets[d]; !ok {
		return "", fmt.Errorf("unknown dataset %q", name)
	}
	return d, nil
}

// Datasets returns the supported dataset names in a stable order.
func Datasets() []Dataset {
	out := make([]Dataset, 0, len(knownDatasets))
	for d := range knownDatasets {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (d Dataset) String() string {
	return string(d)
}
