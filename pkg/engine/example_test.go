package engine_test

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/sanonone/imagesdb/pkg/engine"
)

func Example() {
	dir, err := os.MkdirTemp("", "imagesdb-example")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	ctx := context.Background()
	opts := engine.DefaultOptions(dir, 3)
	opts.Seed = 1

	col, err := engine.Open(ctx, opts)
	if err != nil {
		log.Fatal(err)
	}
	defer col.Close()

	for _, it := range []engine.BatchItem{
		{Key: "A", Embedding: []float32{1, 0, 0}},
		{Key: "C", Embedding: []float32{0, 0, 1}},
		{Key: "B", Embedding: []float32{0, 1, 0}},
	} {
		if _, err := col.Put(ctx, it.Key, it.Embedding); err != nil {
			log.Fatal(err)
		}
	}

	res, err := col.Search([]float32{0, 0, 1}, 2, 0)
	if err != nil {
		log.Fatal(err)
	}
	for _, h := range res.Hits {
		fmt.Printf("%d %s %.1f\n", h.Record.ID, h.Record.Key, h.Score)
	}

	removed, _ := col.Remove(ctx, 2)
	fmt.Println("removed:", removed, "left:", col.Len())
	// Output:
	// 2 C 0.0
	// 1 A 1.0
	// removed: true left: 2
}

func ExampleParseVector() {
	v, err := engine.ParseVector("[0.5, 1 2]")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(engine.FormatVector(v))
	// Output: 0.5,1,2
}
