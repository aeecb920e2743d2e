package updater

import (
	"strconv"
	"strings"

	"github.com/spf13/pflag"
)

// Flag names form the command line contract between the install
// orchestrator and the updater executable.
const (
	FlagBase           = "base"
	FlagVersion        = "version"
	FlagLockPath       = "lockPath"
	FlagLogPath        = "logPath"
	FlagSupervisorName = "supervisor-name"
	FlagPM2            = "pm2"
	FlagServerPID      = "serverPid"
	FlagSupervisor     = "supervisor"
	FlagStartCmd       = "start-cmd"
	FlagKeep           = "keep"
	FlagSelfName       = "self-name"
)

// BindFlags registers the updater flags on fs, writing into o. --pm2 is an
// alias of --supervisor-name kept for older orchestrators.
func BindFlags(fs *pflag.FlagSet, o *Options) {
	fs.StringVar(&o.Base, FlagBase, "", "install base directory (parent of current/)")
	fs.StringVar(&o.Version, FlagVersion, "", "target version staged under releases/")
	fs.StringVar(&o.LockPath, FlagLockPath, "", "install lock handed over by the orchestrator")
	fs.StringVar(&o.LogPath, FlagLogPath, "", "updater log file")
	fs.StringVar(&o.ServiceName, FlagSupervisorName, "", "supervisor service name of the server")
	fs.StringVar(&o.ServiceName, FlagPM2, "", "alias of --"+FlagSupervisorName)
	fs.IntVar(&o.ServerPID, FlagServerPID, 0, "server PID to stop in direct mode")
	fs.StringVar(&o.Supervisor, FlagSupervisor, "pm2", "supervisor preset: pm2 or systemd")
	fs.StringArrayVar(&o.StartCommand, FlagStartCmd, nil, "direct mode start command, one argument per flag, run from current/")
	fs.IntVar(&o.Keep, FlagKeep, 2, "number of previous-* backups to keep")
	fs.StringVar(&o.SelfName, FlagSelfName, "", "temporary supervisor name of this updater, removed on exit")
}

// ParseArgs parses an updater command line.
func ParseArgs(args []string) (Options, error) {
	var o Options
	fs := pflag.NewFlagSet("relswap-updater", pflag.ContinueOnError)
	BindFlags(fs, &o)
	if err := fs.Parse(args); err != nil {
		return Options{}, err
	}
	return o, nil
}

// Args renders o as a command line accepted by ParseArgs.
func (o Options) Args() []string {
	args := []string{
		"--" + FlagBase, o.Base,
		"--" + FlagVersion, o.Version,
		"--" + FlagLockPath, o.LockPath,
	}
	if o.LogPath != "" {
		args = append(args, "--"+FlagLogPath, o.LogPath)
	}
	if o.ServiceName != "" {
		args = append(args, "--"+FlagSupervisorName, o.ServiceName)
	} else {
		args = append(args, "--"+FlagServerPID, strconv.Itoa(o.ServerPID))
	}
	if o.Supervisor != "" {
		args = append(args, "--"+FlagSupervisor, o.Supervisor)
	}
	for _, a := range o.StartCommand {
		args = append(args, "--"+FlagStartCmd, a)
	}
	args = append(args, "--"+FlagKeep, strconv.Itoa(o.Keep))
	if o.SelfName != "" {
		args = append(args, "--"+FlagSelfName, o.SelfName)
	}
	return args
}

// ScanArgs picks the flags needed to clean up after a failed run out of an
// argument list that may not parse: unknown flags and malformed values are
// skipped. Both "--name value" and "--name=value" are recognised.
func ScanArgs(args []string) Options {
	var o Options
	fields := map[string]*string{
		FlagBase:       &o.Base,
		FlagVersion:    &o.Version,
		FlagLockPath:   &o.LockPath,
		FlagLogPath:    &o.LogPath,
		FlagSupervisor: &o.Supervisor,
		FlagSelfName:   &o.SelfName,
	}
	for i := 0; i < len(args); i++ {
		a := args[i]
		if a == "--" {
			break
		}
		if !strings.HasPrefix(a, "-") {
			continue
		}
		name, value, inline := strings.Cut(strings.TrimLeft(a, "-"), "=")
		dst, ok := fields[name]
		if !ok {
			continue
		}
		if !inline {
			if i+1 >= len(args) {
				break
			}
			i++
			value = args[i]
		}
		*dst = value
	}
	return o
}
