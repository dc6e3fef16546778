//go:build ignore

// Generates a synthetic entity snapshot for load-testing rebuilds:
//
//	go run scripts/generate-snapshot.go -services 50 -tools 8 > snapshot.yaml
package main

import (
	"flag"
	"fmt"
	"os"
)

func main() {
	services := flag.Int("services", 50, "number of services")
	tools := flag.Int("tools", 8, "tools per service")
	flag.Parse()

	domains := []string{"finance", "weather", "time", "travel", "search", "messaging"}

	fmt.Fprintln(os.Stdout, "entities:")
	for s := 0; s < *services; s++ {
		domain := domains[s%len(domains)]
		path := fmt.Sprintf("/%s-%03d", domain, s)
		fmt.Printf("  - type: service\n    id: %s\n    fields:\n      name: %s service %d\n      path: %s\n      tags: [%s]\n",
			path, domain, s, path, domain)
		for t := 0; t < *tools; t++ {
			name := fmt.Sprintf("%s_op_%d", domain, t)
			fmt.Printf("  - type: tool\n    id: \"%s::%s\"\n    parent_ref: %s\n    fields:\n      name: %s\n      description: %s operation %d for service %d\n      path: %s\n      tags: [%s]\n",
				path, name, path, name, domain, t, s, path, domain)
		}
	}
}
