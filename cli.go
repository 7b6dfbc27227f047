package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pseegers/mendel/common"
	"github.com/pseegers/mendel/database"
	"github.com/pseegers/mendel/deployer"
)

// invocation is the parsed positional part of the command line.
type invocation struct {
	group string
	verb  string
	arg   string
}

// groupVerbs act on the hosts of one host group.
var groupVerbs = map[string]bool{
	"build":       true,
	"upload":      true,
	"install":     true,
	"deploy":      true,
	"rollback":    true,
	"tail":        true,
	"service":     true,
	"start":       true,
	"stop":        true,
	"restart":     true,
	"status":      true,
	"link-latest": true,
	"history":     true,
}

// globalVerbs need no host group.
var globalVerbs = map[string]bool{
	"init":     true,
	"hosts":    true,
	"heavyset": true,
	"version":  true,
}

// splitVerb reads "deploy:1.2.3" as ("deploy", "1.2.3").
func splitVerb(s string) (string, string) {
	verb, arg, _ := strings.Cut(strings.TrimSpace(s), ":")
	return verb, strings.TrimSpace(arg)
}

func parseInvocation(args []string) (invocation, error) {
	switch len(args) {
	case 1:
		verb, arg := splitVerb(args[0])
		if !globalVerbs[verb] {
			if groupVerbs[verb] {
				return invocation{}, fmt.Errorf("%w: %s needs a host group, e.g. mendel stage %s", common.ErrUsage, verb, args[0])
			}
			return invocation{}, fmt.Errorf("%w: unknown command %q", common.ErrUsage, args[0])
		}
		if verb == "heavyset" && arg != "up" && arg != "down" {
			return invocation{}, fmt.Errorf("%w: heavyset takes up or down, got %q", common.ErrUsage, arg)
		}
		return invocation{verb: verb, arg: arg}, nil

	case 2:
		verb, arg := splitVerb(args[1])
		if !groupVerbs[verb] {
			return invocation{}, fmt.Errorf("%w: unknown command %q", common.ErrUsage, args[1])
		}
		inv := invocation{group: strings.TrimSpace(args[0]), verb: verb, arg: arg}
		// bare start/stop/restart/status are service control shorthands
		switch verb {
		case "start", "stop", "restart", "status":
			inv.verb, inv.arg = "service", verb
		case "service":
			if arg == "" {
				return invocation{}, fmt.Errorf("%w: service needs one of %s",
					common.ErrUsage, strings.Join(deployer.ServiceCommands, ","))
			}
		}
		return inv, nil
	}
	return invocation{}, fmt.Errorf("%w: expected <group> <command>[:arg]", common.ErrUsage)
}

// historyLimit reads the history:N argument.
func historyLimit(arg string) (int, error) {
	if arg == "" {
		return database.DefaultHistoryLimit, nil
	}
	n, err := strconv.Atoi(arg)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: history limit must be a positive number, got %q", common.ErrUsage, arg)
	}
	return n, nil
}
