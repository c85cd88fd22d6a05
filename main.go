// deepcompress compresses document extraction results into a token-efficient
// tabular encoding for LLM prompts.
//
// Usage:
//
//	deepcompress init                 # Write ~/.deepcompress/config.yaml
//	deepcompress encode invoice.json  # Encode one extraction file
//	deepcompress batch ./scans        # Compress a directory of extractions
package main

import "github.com/assaab/DeepCompress/cmd"

func main() {
	cmd.Execute()
}
