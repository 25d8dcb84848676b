// Copyright 2025 Nguyen Nhat Nguyen
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"

	serverapp "github.com/ngnhng/eventcore/internal/server/app"
)

func main() {
	var (
		natsHost    = flag.String("host", "", "NATS server host (overrides NATS_HOST)")
		natsPort    = flag.String("port", "", "NATS server port (overrides NATS_PORT)")
		httpPort    = flag.String("http-port", "", "HTTP server port (overrides SERVER_PORT)")
		archivePath = flag.String("archive", "", "pebble archive directory (overrides ARCHIVE_PATH)")
	)
	flag.Parse()

	ctx := context.Background()
	if err := serverapp.Run(ctx, serverapp.Options{
		NATSHost:    *natsHost,
		NATSPort:    *natsPort,
		HTTPPort:    *httpPort,
		ArchivePath: *archivePath,
	}); err != nil {
		slog.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}
