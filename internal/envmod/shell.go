package envmod

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/alexisbeaulieu97/mtt/internal/execcmd"
)

// ShellModuleCommand drives Environment Modules or Lmod through their
// "modulecmd sh" interface and applies the emitted shell assignments to the
// overlay.
type ShellModuleCommand struct {
	runner *execcmd.Runner
	binary string
}

// NewShellModuleCommand locates the module command. wrapper, when set, is
// used verbatim; otherwise LMOD_CMD and MODULESHOME are consulted.
func NewShellModuleCommand(runner *execcmd.Runner, wrapper string) *ShellModuleCommand {
	return &ShellModuleCommand{runner: runner, binary: locate(wrapper)}
}

func locate(wrapper string) string {
	if wrapper != "" {
		if isExecutable(wrapper) {
			return wrapper
		}
		return ""
	}
	if lmod := os.Getenv("LMOD_CMD"); lmod != "" && isExecutable(lmod) {
		return lmod
	}
	if home := os.Getenv("MODULESHOME"); home != "" {
		for _, candidate := range []string{
			filepath.Join(home, "bin", "modulecmd"),
			filepath.Join(home, "libexec", "modulecmd.tcl"),
		} {
			if isExecutable(candidate) {
				return candidate
			}
		}
	}
	return ""
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir() && info.Mode()&0o111 != 0
}

// Binary returns the resolved module command, empty when none was found.
func (m *ShellModuleCommand) Binary() string {
	return m.binary
}

// Available implements ModuleCommand.
func (m *ShellModuleCommand) Available() bool {
	return m != nil && m.binary != ""
}

// Load implements ModuleCommand.
func (m *ShellModuleCommand) Load(ctx context.Context, env *execcmd.Overlay, modules []string) error {
	return m.run(ctx, env, append([]string{"load"}, modules...))
}

// Unload implements ModuleCommand.
func (m *ShellModuleCommand) Unload(ctx context.Context, env *execcmd.Overlay, modules []string) error {
	return m.run(ctx, env, append([]string{"unload"}, modules...))
}

// Swap implements ModuleCommand.
func (m *ShellModuleCommand) Swap(ctx context.Context, env *execcmd.Overlay, from, to string) error {
	return m.run(ctx, env, []string{"swap", from, to})
}

func (m *ShellModuleCommand) run(ctx context.Context, env *execcmd.Overlay, args []string) error {
	if !m.Available() {
		return ErrNoModuleSupport
	}
	res := m.runner.Run(ctx, execcmd.Command{
		Section: "ModuleCmd",
		Args:    append([]string{m.binary, "sh"}, args...),
		Env:     env,
	})
	if res.DryRun {
		return nil
	}
	if !res.Succeeded() || hasModuleError(res.Stderr) {
		return fmt.Errorf("module %s: %s", strings.Join(args, " "), strings.Join(res.Stderr, "\n"))
	}
	return ApplyShell(env, strings.Join(res.Stdout, "\n"))
}

func hasModuleError(stderr []string) bool {
	for _, line := range stderr {
		if strings.HasPrefix(strings.TrimSpace(line), "ERROR") {
			return true
		}
	}
	return false
}

// ApplyShell interprets the subset of sh emitted by module commands:
// "NAME=value", "export NAME" and "unset NAME" statements separated by
// semicolons or newlines. Anything else is ignored.
func ApplyShell(env *execcmd.Overlay, script string) error {
	for _, stmt := range splitStatements(script) {
		stmt = strings.TrimSpace(stmt)
		switch {
		case stmt == "", strings.HasPrefix(stmt, "export "), stmt == "true", stmt == "false":
			continue
		case strings.HasPrefix(stmt, "unset "):
			for _, name := range strings.Fields(strings.TrimPrefix(stmt, "unset ")) {
				if name != "-f" {
					env.Unset(name)
				}
			}
		default:
			name, value, ok := strings.Cut(stmt, "=")
			if !ok || !validName(name) {
				continue
			}
			unquoted, err := unquote(value)
			if err != nil {
				return fmt.Errorf("parse module output for %s: %w", name, err)
			}
			env.Set(name, unquoted)
		}
	}
	return nil
}

func validName(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z':
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}

// splitStatements splits on ';' and newlines outside of quotes.
func splitStatements(script string) []string {
	var (
		out   []string
		cur   strings.Builder
		quote rune
		esc   bool
	)
	for _, r := range script {
		switch {
		case esc:
			esc = false
		case r == '\\' && quote != '\'':
			esc = true
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			quote = r
		case r == ';' || r == '\n':
			out = append(out, cur.String())
			cur.Reset()
			continue
		}
		cur.WriteRune(r)
	}
	return append(out, cur.String())
}

func unquote(value string) (string, error) {
	var (
		b     strings.Builder
		quote rune
		esc   bool
	)
	for _, r := range value {
		switch {
		case esc:
			b.WriteRune(r)
			esc = false
		case r == '\\' && quote != '\'':
			esc = true
		case quote != 0 && r == quote:
			quote = 0
		case quote == 0 && (r == '\'' || r == '"'):
			quote = r
		default:
			b.WriteRune(r)
		}
	}
	if quote != 0 {
		return "", fmt.Errorf("unterminated quote in %q", value)
	}
	return b.String(), nil
}
