package printer

import (
	"bytes"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupPrinter(t *testing.T) (*Printer, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })

	var out, errOut bytes.Buffer
	return New(&out, &errOut), &out, &errOut
}

func TestError(t *testing.T) {
	t.Run("returns error with title", func(t *testing.T) {
		p, _, errOut := setupPrinter(t)
		err := p.Error("Test Error", "This is a test error", []string{})
		require.Error(t, err)
		require.Equal(t, "Test Error", err.Error())
		assert.Equal(t, "Test Error\n\nThis is a test error\n", errOut.String())
	})

	t.Run("single suggestion is printed as is", func(t *testing.T) {
		p, _, errOut := setupPrinter(t)
		err := p.Error("Test Error", "Explanation", []string{"Try this fix"})
		require.Equal(t, "Test Error", err.Error())
		assert.Contains(t, errOut.String(), "\nTry this fix\n")
		assert.NotContains(t, errOut.String(), "Either:")
	})

	t.Run("multiple suggestions are numbered", func(t *testing.T) {
		p, out, errOut := setupPrinter(t)
		err := p.Error("Test Error", "Explanation", []string{"First option", "Second option"})
		require.Equal(t, "Test Error", err.Error())
		assert.Contains(t, errOut.String(), "Either:\n  1. First option\n  2. Second option\n")
		assert.Empty(t, out.String())
	})
}

func TestErrorWithContext(t *testing.T) {
	p, _, errOut := setupPrinter(t)
	context := map[string]string{
		"task": "1234",
		"file": "mals.yml",
	}
	err := p.ErrorWithContext("Run failed", "", context, nil)
	require.Equal(t, "Run failed", err.Error())

	got := errOut.String()
	assert.Less(t, strings.Index(got, "file: mals.yml"), strings.Index(got, "task: 1234"))
}

func TestMessages(t *testing.T) {
	p, out, _ := setupPrinter(t)

	p.Success("done\n")
	p.Success("✓ already prefixed\n")
	p.Warning("careful\n")
	p.Step("loading\n")
	p.Info("plain %d\n", 1)

	assert.Equal(t, "✓ done\n✓ already prefixed\n⚠️  careful\n→ loading\nplain 1\n", out.String())
}

func TestTable(t *testing.T) {
	p, out, _ := setupPrinter(t)
	p.Table([]string{"FIELD", "VERSION"}, [][]string{{"code", "2"}, {"documentation", "1"}})

	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, strings.Index(lines[0], "VERSION"), strings.Index(lines[1], "2"))
	assert.Equal(t, strings.Index(lines[1], "2"), strings.Index(lines[2], "1"))
}

func TestStatus(t *testing.T) {
	p, _, _ := setupPrinter(t)
	for _, s := range []string{"completed", "failed", "pending_review", "none"} {
		assert.Equal(t, s, p.Status(s))
	}
}
