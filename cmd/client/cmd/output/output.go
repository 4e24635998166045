// Package output содержит общие функции вывода для команд клиента.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	okMark   = color.New(color.FgGreen).SprintFunc()
	warnMark = color.New(color.FgYellow).SprintFunc()
	failMark = color.New(color.FgRed).SprintFunc()
)

// JSONRequested сообщает, передан ли унаследованный флаг --json
func JSONRequested(cmd *cobra.Command) bool {
	v, err := cmd.Flags().GetBool("json")
	return err == nil && v
}

func JSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func Success(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, "%s %s\n", okMark("✓"), fmt.Sprintf(format, args...))
}

func Warn(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, "%s %s\n", warnMark("!"), fmt.Sprintf(format, args...))
}

func Fail(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, "%s %s\n", failMark("✗"), fmt.Sprintf(format, args...))
}

// Time форматирует время для таблиц, нулевое значение выводится как прочерк
func Time(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
