package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = cmdRun(os.Args[2:])
	case "validate":
		err = cmdValidate(os.Args[2:])
	case "example":
		err = cmdExample(os.Args[2:])
	case "status":
		err = cmdStatus(os.Args[2:])
	case "list":
		err = cmdList(os.Args[2:])
	case "resume":
		err = cmdResume(os.Args[2:])
	case "cancel":
		err = cmdCancel(os.Args[2:])
	case "cleanup":
		err = cmdCleanup(os.Args[2:])
	case "resource-report":
		err = cmdResourceReport(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  stageflow run <definition.yaml> [--agent-cli <bin>] [--session-index <file>] [--state-dir <dir>]")
	fmt.Fprintln(os.Stderr, "  stageflow validate <definition.yaml|json>")
	fmt.Fprintln(os.Stderr, "  stageflow example")
	fmt.Fprintln(os.Stderr, "  stageflow status <workflow-name> [--state-dir <dir>]")
	fmt.Fprintln(os.Stderr, "  stageflow list [--state-dir <dir>]")
	fmt.Fprintln(os.Stderr, "  stageflow resume <workflow-id> [definition.yaml] [--agent-cli <bin>] [--state-dir <dir>]")
	fmt.Fprintln(os.Stderr, "  stageflow cancel <workflow-name> [--state-dir <dir>]")
	fmt.Fprintln(os.Stderr, "  stageflow cleanup [days] [--state-dir <dir>]")
	fmt.Fprintln(os.Stderr, "  stageflow resource-report [--state-dir <dir>]")
}
