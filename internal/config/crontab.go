package config

import (
	"fmt"
	"regexp"
	"strings"
)

// outputRedirectPattern strips shell output redirection from a crontab
// command before using the remainder to derive a job name.
var outputRedirectPattern = regexp.MustCompile(`\s*(>>?|2>&1)\s*\S*`)

// ParseCrontabLine converts one traditional 6-field crontab line
// ("min hour dom mon dow user command...") into a CronDef. A full
// command-line tool reading a whole crontab file is out of scope, but the
// per-line parsing rule is small, pure, and worth keeping importable.
func ParseCrontabLine(line string) (CronDef, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return CronDef{}, fmt.Errorf("crontab line is empty or a comment")
	}

	fields := strings.Fields(line)
	if len(fields) < 7 {
		return CronDef{}, fmt.Errorf("expected at least 7 fields (min hour dom mon dow user command...), got %d", len(fields))
	}

	minute, hour, dom, mon, dow, user := fields[0], fields[1], fields[2], fields[3], fields[4], fields[5]
	command := strings.Join(fields[6:], " ")

	cleanCommand := strings.TrimSpace(outputRedirectPattern.ReplaceAllString(command, ""))
	if cleanCommand == "" {
		return CronDef{}, fmt.Errorf("command is empty after stripping redirection")
	}

	name := deriveJobName(cleanCommand)

	return CronDef{
		Name:            name,
		Sec:             "1",
		Min:             minute,
		Hour:            hour,
		Dom:             dom,
		Mon:             mon,
		Dow:             dow,
		Year:            "*",
		Command:         cleanCommand,
		Cwd:             "/",
		User:            user,
		Targets:         []string{},
		TargetType:      "list",
		NumberOfTargets: 0,
	}, nil
}

// deriveJobName picks the command's first meaningful token as a job name,
// skipping shell preamble tokens like environment assignments and "sudo".
func deriveJobName(command string) string {
	tokens := strings.Fields(command)
	for _, tok := range tokens {
		if strings.Contains(tok, "=") {
			continue
		}
		if tok == "sudo" {
			continue
		}
		base := tok
		if idx := strings.LastIndex(base, "/"); idx >= 0 {
			base = base[idx+1:]
		}
		return base
	}
	return "job"
}
