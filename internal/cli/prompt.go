package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
)

// PromptForDirectory asks for a directory of views on out and reads the
// answer from in. Returns the current directory if the user enters nothing.
func PromptForDirectory(in io.Reader, out io.Writer) string {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}

	fmt.Fprintf(out, "Directory of views [%s]: ", cwd)

	reader := bufio.NewReader(in)
	input, err := reader.ReadString('\n')
	if err != nil && input == "" {
		log.Warn().Err(err).Msg("Failed to read input, using current directory")
		return cwd
	}

	input = strings.TrimSpace(input)
	if input == "" {
		return cwd
	}

	return input
}
