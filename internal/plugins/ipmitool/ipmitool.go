package ipmiplugin

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/alexisbeaulieu97/mtt/internal/execcmd"
	"github.com/alexisbeaulieu97/mtt/internal/model"
	"github.com/alexisbeaulieu97/mtt/internal/plugin"
	"github.com/alexisbeaulieu97/mtt/internal/workpool"
)

const (
	Category = "CNC"
	Name     = "IPMITool"
)

type ipmiPlugin struct {
	plugin.BasePlugin
}

// New creates the IPMITool control tool. It sends one ipmitool command per
// node through the worker pool and waits for each node to answer ping.
func New() plugin.Plugin {
	return &ipmiPlugin{}
}

var _ plugin.Plugin = (*ipmiPlugin)(nil)

func (p *ipmiPlugin) Describe() plugin.Descriptor {
	return plugin.Descriptor{
		Kind:     plugin.KindTool,
		Category: Category,
		Name:     Name,
		Options:  Schema(),
	}
}

// Schema is the option schema of IPMITool.
func Schema() plugin.Schema {
	return plugin.Schema{
		{Name: "target", Default: []string{}, Description: "Remote host names or LAN interfaces"},
		{Name: "controller", Default: []string{}, Description: "IP addresses of the nodes' BMCs, one per target"},
		{Name: "username", Description: "Remote session username"},
		{Name: "password", Description: "Remote session password"},
		{Name: "pwfile", Description: "File containing remote session password"},
		{Name: "command", Description: "Command to be sent, e.g. 'power cycle'"},
		{Name: "maxtries", Default: workpool.DefaultMaxTries, Description: "Max number of times to ping the host before declaring reset to fail"},
		{Name: "ping_interval", Default: "1s", Description: "Delay between pings"},
		{Name: "sudo", Default: false, Description: "Run ipmitool through sudo"},
	}
}

func (p *ipmiPlugin) Execute(ctx context.Context, rec *model.ExecutionRecord, params plugin.Params, rc plugin.RunContext) {
	targets := params.Strings("target")
	controllers := params.Strings("controller")
	command := strings.Fields(params.String("command"))
	switch {
	case len(targets) == 0:
		rec.Fail(model.StatusFailed, "No target node identified")
		return
	case len(controllers) == 0:
		rec.Fail(model.StatusFailed, "No target controller identified")
		return
	case len(targets) != len(controllers):
		rec.Fail(model.StatusFailed, "%d targets but %d controllers", len(targets), len(controllers))
		return
	case len(command) == 0:
		rec.Fail(model.StatusFailed, "No IPMI command given")
		return
	}

	interval, err := time.ParseDuration(params.String("ping_interval"))
	if err != nil {
		rec.Fail(model.StatusFailed, "invalid ping_interval: %v", err)
		return
	}

	password := params.String("password")
	if password == "" && params.Has("pwfile") {
		password, err = readPassword(params.String("pwfile"))
		if err != nil {
			rec.Fail(model.StatusFailed, "%v", err)
			return
		}
	}

	env := rc.Env().Clone()
	if password != "" {
		// -E reads the password from the environment instead of argv
		env.Set("IPMI_PASSWORD", password)
	}

	jobs := make([]workpool.Target, len(targets))
	for i, target := range targets {
		jobs[i] = workpool.Target{
			Name: target,
			Reset: execcmd.Command{
				Section: rec.Section,
				Args:    resetArgs(command, controllers[i], params.String("username"), password != "", params.Bool("sudo")),
				Env:     env,
			},
			Ping: execcmd.Command{
				Section: rec.Section,
				Args:    []string{"ping", "-c", "1", target},
				Env:     env,
			},
		}
	}

	pool := rc.Pool(workpool.Options{
		MaxTries:     params.Int("maxtries"),
		PingInterval: interval,
		DryRun:       rc.Options().DryRun,
		Logger:       rc.Logger(),
	})
	outcomes := pool.Run(ctx, jobs)

	nodes := make(map[string]int, len(outcomes))
	rec.Status = model.StatusSuccess
	for _, o := range outcomes {
		nodes[o.Target] = o.Status
		rec.Stdout = append(rec.Stdout, fmt.Sprintf("%s: status %d after %d pings", o.Target, o.Status, o.Tries))
		for _, line := range o.Stderr {
			rec.Stderr = append(rec.Stderr, o.Target+": "+line)
		}
		if o.Status != model.StatusSuccess && rec.Status == model.StatusSuccess {
			rec.Status = o.Status
		}
	}
	rec.Set("nodes", nodes)
}

func resetArgs(command []string, controller, username string, withPassword, sudo bool) []string {
	var args []string
	if sudo {
		args = append(args, "sudo", "-E")
	}
	args = append(args, "ipmitool", "-H", controller)
	if username != "" {
		args = append(args, "-U", username)
	}
	if withPassword {
		args = append(args, "-E")
	}
	return append(args, command...)
}

func readPassword(file string) (string, error) {
	f, err := os.Open(file)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("password file %s does not exist", file)
		}
		return "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if scanner.Scan() {
		return strings.TrimSpace(scanner.Text()), nil
	}
	return "", scanner.Err()
}
