// netmon registers a stream-layer monitoring callout with the
// filtering engine and serves its health and metrics.
package main

import (
	"github.com/alecthomas/kong"

	"github.com/frobware/go-netmon/cmd/netmon/cli"
)

func main() {
	var c cli.CLI
	ctx := kong.Parse(&c, cli.KongOptions()...)
	ctx.FatalIfErrorf(ctx.Run(&c))
}
