package executor

// Environment resolves how a command is actually launched on the host.
// One implementation per target environment; the executor calls Resolve
// exactly once per command.
type Environment interface {
	// Resolve rewrites cmd for the target environment. The returned
	// command must not share argv backing arrays with the input.
	Resolve(cmd Command) Command
	// Name identifies the environment in logs and doctor output.
	Name() string
}

// NativeEnvironment runs tools directly on the host PATH.
type NativeEnvironment struct{}

func (NativeEnvironment) Resolve(cmd Command) Command {
	out := cmd
	out.Args = append([]string(nil), cmd.Args...)
	return out
}

func (NativeEnvironment) Name() string { return "native" }

// CondaEnvironment wraps every invocation in `conda run -n <env>` so tools
// installed in a conda environment (GMTSAR, GDAL) resolve correctly.
type CondaEnvironment struct {
	// EnvName is the conda environment holding the processing tools.
	EnvName string
}

func (c CondaEnvironment) Resolve(cmd Command) Command {
	args := make([]string, 0, len(cmd.Args)+5)
	args = append(args, "run", "-n", c.EnvName, "--no-capture-output", cmd.Tool)
	args = append(args, cmd.Args...)

	out := cmd
	out.Tool = "conda"
	out.Args = args
	return out
}

func (c CondaEnvironment) Name() string { return "conda:" + c.EnvName }
