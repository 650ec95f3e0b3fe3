// cmd/benthos-lwm2m/main.go
package main

import (
	"context"
	"log"

	"github.com/redpanda-data/benthos/v4/public/service"

	// Import Benthos core components
	_ "github.com/redpanda-data/benthos/v4/public/components/io"
	_ "github.com/redpanda-data/benthos/v4/public/components/pure"

	// Import our LwM2M components
	_ "github.com/twinfer/lwm2m-harness/pkg/input"
)

// Version information
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	log.Printf("Starting Benthos LwM2M server v%s (commit: %s, built: %s)", Version, GitCommit, BuildTime)
	service.RunCLI(context.Background())
}
