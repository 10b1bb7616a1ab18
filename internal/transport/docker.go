package transport

import (
	"os"
	"strings"
)

// isContainerized detects a containerized host via filesystem markers, per
// spec §4.1.
func isContainerized() bool {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return false
}

// rewriteForContainer reduces host-side shell-wrapper invocations to their
// payload, strips .exe suffixes, forces npx to run unattended, and rewrites
// docker-compose style "localhost:" aliases to a host-accessible name, per
// spec §4.1. It is a no-op outside a containerized host.
func rewriteForContainer(command string, args []string) (string, []string) {
	if !isContainerized() {
		return command, args
	}

	switch strings.ToLower(command) {
	case "cmd":
		// "cmd /c X ..." -> "X ..."
		if len(args) >= 2 && strings.EqualFold(args[0], "/c") {
			return args[1], args[2:]
		}
	case "powershell", "powershell.exe":
		// "powershell -Command "X ..."" -> "X ..."
		for i, a := range args {
			if strings.EqualFold(a, "-Command") && i+1 < len(args) {
				payload := args[i+1]
				fields := strings.Fields(payload)
				if len(fields) > 0 {
					return fields[0], fields[1:]
				}
			}
		}
	}

	command = strings.TrimSuffix(command, ".exe")
	command = strings.TrimSuffix(command, ".EXE")

	rewritten := make([]string, 0, len(args))
	for _, a := range args {
		a = strings.TrimSuffix(a, ".exe")
		a = strings.TrimSuffix(a, ".EXE")
		if strings.Contains(a, "localhost:") {
			a = strings.ReplaceAll(a, "localhost:", "host.docker.internal:")
		}
		rewritten = append(rewritten, a)
	}

	if command == "npx" {
		hasYes := false
		for _, a := range rewritten {
			if a == "-y" || a == "--yes" {
				hasYes = true
				break
			}
		}
		if !hasYes {
			rewritten = append([]string{"-y"}, rewritten...)
		}
	}

	return command, rewritten
}
