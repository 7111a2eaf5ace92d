package hooks

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/fornellas/slogxt/log"
	"github.com/stretchr/testify/require"
)

func TestRun(t *testing.T) {
	ctx := log.WithLogger(t.Context(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	dir := t.TempDir()
	outPath := filepath.Join(dir, "out.txt")
	scriptPath := filepath.Join(dir, "beep.go")
	require.NoError(t, os.WriteFile(scriptPath, []byte(fmt.Sprintf(`package main

import (
	"fmt"
	"os"
)

func main() {
	fmt.Println("beep")
	if err := os.WriteFile(%q, []byte("done"), 0o644); err != nil {
		panic(err)
	}
}
`, outPath)), 0o644))
	badPath := filepath.Join(dir, "bad.go")
	require.NoError(t, os.WriteFile(badPath, []byte("package main\n\nfunc main() {\n\tundefined()\n}\n"), 0o644))

	r := New(map[string]string{"beep": scriptPath, "bad": badPath})
	var stdout bytes.Buffer
	r.SetOutput(&stdout, io.Discard)

	require.True(t, r.Has("beep"))
	require.False(t, r.Has("pause"))
	require.Equal(t, []string{"bad", "beep"}, r.Actions())

	require.NoError(t, r.Run(ctx, "beep", map[string]string{EnvState: "Printing"}))
	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	require.Equal(t, "done", string(data))
	require.Equal(t, "beep\n", stdout.String())

	require.Error(t, r.Run(ctx, "bad", nil))
	require.Error(t, r.Run(ctx, "missing", nil))

	var nilRunner *Runner
	require.False(t, nilRunner.Has("beep"))
}
