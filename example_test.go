package vecvault_test

import (
	"context"
	"fmt"
	"log"
	"os"

	vecvault "github.com/hupe1980/vecvault"
	"github.com/hupe1980/vecvault/metadata"
	"github.com/hupe1980/vecvault/model"
)

// Example demonstrates opening a vault, writing a batch and querying it.
func Example() {
	dataPath := "./example_data"
	defer os.RemoveAll(dataPath) // Cleanup after example

	ctx := context.Background()

	v, err := vecvault.New(dataPath)
	if err != nil {
		log.Fatal(err)
	}
	defer v.Close()

	receipt, err := v.Put(ctx, &model.EmbeddingBatch{
		Repo:      "acme/website",
		ID:        1,
		Dimension: 3,
		Vectors: [][]float32{
			{0.1, 0.2, 0.3},
			{0.9, 0.8, 0.7},
		},
	}, model.ManifestDiff{Added: []model.BatchID{1}})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println("buffered:", receipt.Buffered)

	results, err := v.Query(ctx, model.QueryCriteria{
		Repo:   "acme/website",
		Vector: []float32{0.1, 0.2, 0.3},
		K:      1,
	})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println("matches:", len(results.Results))
	// Output:
	// buffered: false
	// matches: 1
}

// Example_metadataFilter demonstrates metadata filtering during a query.
func Example_metadataFilter() {
	dataPath := "./example_filter_data"
	defer os.RemoveAll(dataPath)

	ctx := context.Background()

	v, err := vecvault.New(dataPath)
	if err != nil {
		log.Fatal(err)
	}
	defer v.Close()

	_, err = v.Put(ctx, &model.EmbeddingBatch{
		Repo:      "acme/website",
		ID:        1,
		Dimension: 2,
		Vectors:   [][]float32{{1, 0}, {0, 1}},
		Metadata: []metadata.Document{
			{"lang": metadata.String("go")},
			{"lang": metadata.String("rust")},
		},
	}, model.ManifestDiff{Added: []model.BatchID{1}})
	if err != nil {
		log.Fatal(err)
	}

	results, err := v.Query(ctx, model.QueryCriteria{
		Repo:   "acme/website",
		Vector: []float32{1, 0},
		K:      10,
		Filter: metadata.NewFilterSet(metadata.Eq("lang", metadata.String("go"))),
	})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println("matches:", len(results.Results))
	// Output: matches: 1
}
