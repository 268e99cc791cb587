package threat

import (
	"fmt"
	"regexp"
)

type rule struct {
	id          string
	level       Level
	description string
	re          *regexp.Regexp
}

type ruleSpec struct {
	id          string
	level       Level
	description string
	pattern     string
}

// builtinRules is ordered most severe first so reports read top-down.
var builtinRules = compileRules([]ruleSpec{
	{"rm-root", LevelCritical, "recursive delete of the filesystem root", `rm\s+(-\w*[rf]\w*\s+)+(/|/\*)\s*($|;|&|\|)`},
	{"rm-system-path", LevelCritical, "recursive delete of a system directory", `rm\s+(-\w*[rf]\w*\s+)+/(boot|dev|etc|home|lib|lib64|opt|proc|root|sbin|srv|sys|usr|var)\b`},
	{"rm-home", LevelCritical, "recursive delete of a home directory", `rm\s+(-\w*[rf]\w*\s+)+~`},
	{"dd-device", LevelCritical, "raw write to a block device", `\bdd\b.*\bof=/dev/`},
	{"mkfs", LevelCritical, "filesystem creation destroys existing data", `^\s*mkfs`},
	{"fork-bomb", LevelCritical, "shell fork bomb", `:\(\)\s*\{\s*:\|:\s*&\s*\}\s*;`},
	{"sql-drop", LevelCritical, "destructive SQL statement", `\b(DROP\s+(DATABASE|SCHEMA)|TRUNCATE\s+TABLE)\b`},
	{"disk-partition", LevelCritical, "partition table manipulation", `^\s*(fdisk|parted)\b`},
	{"power-off", LevelHigh, "host shutdown or reboot", `^\s*(shutdown|reboot|halt|poweroff)\b`},
	{"curl-pipe-shell", LevelHigh, "piping a remote download into a shell", `\b(curl|wget)\b[^|;]*\|\s*(sudo\s+)?(ba|z|da)?sh\b`},
	{"git-force-push", LevelHigh, "git history rewrite on a remote", `git\s+push\b.*(\s--force(\s|$)|\s-f(\s|$))`},
	{"chmod-world-writable", LevelHigh, "world-writable permission change on a system path", `chmod\s+(-R\s+)?0?777\s+/`},
	{"sql-delete-unfiltered", LevelHigh, "SQL DELETE without a WHERE clause", `\bDELETE\s+FROM\s+[\w."` + "`" + `\[\]]+\s*(;|$|--|/\*)`},
	{"docker-prune-all", LevelHigh, "bulk docker resource destruction", `docker\s+system\s+prune\s+(-a|--all)`},
	{"kubectl-delete-cluster-scope", LevelHigh, "cluster-scoped kubernetes deletion", `kubectl\s+delete\s+(node|nodes|namespace|namespaces|pv|pvc)\b`},
	{"terraform-destroy", LevelHigh, "terraform destroy", `terraform\s+destroy\b`},
	{"credential-read", LevelHigh, "reads credential material", `\b(cat|less|head|tail|cp|scp)\b[^|;]*(/etc/shadow|id_rsa|id_ed25519|\.aws/credentials|\.ssh/)`},
	{"rm-recursive", LevelMedium, "recursive delete", `rm\s+-\w*r`},
	{"git-reset-hard", LevelMedium, "discards uncommitted work", `git\s+(reset\s+--hard|clean\s+-[a-z]*f)`},
	{"chmod-recursive", LevelMedium, "recursive permission change", `\b(chmod|chown)\s+-R\b`},
	{"kill-forced", LevelMedium, "unconditional process kill", `\bkill(all)?\s+-9\b`},
	{"sql-delete-filtered", LevelMedium, "SQL DELETE with a WHERE clause", `\bDELETE\s+FROM\b.*\bWHERE\b`},
	{"sudo", LevelMedium, "privilege escalation", `^\s*sudo\b`},
	{"outbound-netcat", LevelMedium, "raw outbound network channel", `\bnc\b\s+(-\w+\s+)*\S+\s+\d+`},
	{"rm-plain", LevelLow, "file deletion", `^\s*rm\s`},
	{"package-uninstall", LevelLow, "package removal", `\b(npm|pip|pip3|cargo|apt(-get)?)\s+(uninstall|remove|purge)\b`},
	{"env-dump", LevelLow, "dumps process environment", `^\s*(env|printenv)\s*($|\|)`},
})

func compileRules(specs []ruleSpec) []rule {
	rules := make([]rule, 0, len(specs))
	for _, spec := range specs {
		re, err := regexp.Compile(`(?i)` + spec.pattern)
		if err != nil {
			// Builtin patterns are part of the binary; refuse to start
			// with a broken rule table.
			panic(fmt.Sprintf("threat: invalid builtin pattern %s: %v", spec.id, err))
		}
		rules = append(rules, rule{id: spec.id, level: spec.level, description: spec.description, re: re})
	}
	return rules
}
