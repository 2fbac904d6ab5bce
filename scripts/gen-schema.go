//go:build ignore

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ormasoftchile/sceneflow/pkg/kernel/schema"
)

func main() {
	if err := os.MkdirAll("schemas/params", 0o755); err != nil {
		fail(err)
	}
	data, err := schema.GenerateScenarioJSONSchema()
	if err != nil {
		fail(err)
	}
	write("schemas/scenario.json", data)

	for _, a := range schema.Actions {
		params, err := schema.GenerateParamsJSONSchema(a)
		if err != nil {
			fail(fmt.Errorf("%s: %w", a, err))
		}
		write(filepath.Join("schemas", "params", string(a)+".json"), params)
	}
}

func write(path string, data []byte) {
	if err := os.WriteFile(path, data, 0o644); err != nil {
		fail(err)
	}
	fmt.Println("wrote", path)
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
