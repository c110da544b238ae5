// Command atlasbridge supervises interactive CLI agents: it runs them
// under a PTY, detects input-blocked prompts, and routes those prompts to
// a human over Telegram or Slack.
package main

import (
	"os"

	"github.com/atlasbridge/atlasbridge/cmd/atlasbridge/commands"
)

// version is injected at build time via ldflags.
var version = "dev"

func main() {
	os.Exit(commands.Execute(version))
}
