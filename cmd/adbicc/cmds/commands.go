package cmds

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/adbi-tools/adbicc/pkg/config"
	"github.com/adbi-tools/adbicc/pkg/debuginfo"
	"github.com/adbi-tools/adbicc/pkg/logflags"
	"github.com/adbi-tools/adbicc/pkg/preproc"
	"github.com/adbi-tools/adbicc/pkg/version"
)

var (
	// outputPath is where the generated C is written; "-" means standard
	// output, empty derives the name from the script.
	outputPath string
	// logLevel is the minimum diagnostic severity reported.
	logLevel string
	// sysroot overrides the configured logical root for absolute binary
	// paths.
	sysroot string
	// ignoreErrors downgrades recoverable errors to warnings.
	ignoreErrors bool

	// log is whether to enable component tracing.
	log bool
	// logOutput is a comma separated list of components that should produce
	// trace output.
	logOutput string
	// logDest is the file path or file descriptor where traces should go.
	logDest string

	conf *config.Config

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command
)

const adbiccLongDesc = `adbicc turns an annotated instrumentation script into compilable C
for an injectable binary instrumentation handler.

Directives recognized in the script:

	#binary <path>             select the binary to instrument
	#handler <location>        open a handler block at a function,
	                           file:line or address
	#endhandler                close the current handler block
	#gettype <typename>        emit the named type's definition
	#getvar <var> [<alias>]    import a variable visible at the
	                           handler address

Everything else passes through unchanged.`

// New returns an initialized command tree.
func New() *cobra.Command {
	conf = config.LoadConfig()

	rootCommand = &cobra.Command{
		Use:   "adbicc <script>",
		Short: "adbicc is a source preprocessor for binary instrumentation handlers.",
		Long:  adbiccLongDesc,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(processScript(args[0]))
		},
	}
	rootCommand.Flags().StringVarP(&outputPath, "output", "o", "", "Output file (default: standard output).")
	rootCommand.Flags().StringVarP(&logLevel, "log", "l", "warning", "Minimum severity reported: debug, info, warning or error.")
	rootCommand.Flags().StringVar(&sysroot, "sysroot", "", "Logical root for absolute binary paths (overrides the config file).")
	rootCommand.Flags().BoolVarP(&ignoreErrors, "ignore-errors", "i", false, "Downgrade recoverable errors to warnings.")
	rootCommand.PersistentFlags().BoolVar(&log, "trace", false, "Enable component tracing.")
	rootCommand.PersistentFlags().StringVar(&logOutput, "trace-output", "", "Comma separated list of components that should produce trace output (scanner, gen, debuginfo, frame).")
	rootCommand.PersistentFlags().StringVar(&logDest, "trace-dest", "", "Writes trace output to the specified file or file descriptor.")

	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("adbicc\n%s\nGo version: %s\n", version.AdbiccVersion, version.BuildInfo())
		},
	}
	rootCommand.AddCommand(versionCommand)

	return rootCommand
}

func processScript(scriptPath string) int {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	minLevel, err := preproc.ParseSeverity(logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	diag := preproc.NewDiagnostics(nil, minLevel, ignoreErrors)
	if conf.MaxSuggestions != nil {
		diag.SetMaxSuggestions(*conf.MaxSuggestions)
	}

	root := sysroot
	if root == "" {
		root = conf.Sysroot
	}
	rules := make([][2]string, 0, len(conf.SubstitutePath))
	for _, r := range conf.SubstitutePath {
		rules = append(rules, [2]string{r.From, r.To})
	}

	f, err := os.Open(scriptPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer f.Close()

	opts := preproc.Options{
		ScriptName:     scriptPath,
		ScriptDir:      filepath.Dir(scriptPath),
		Sysroot:        root,
		SubstitutePath: rules,
	}
	p := preproc.NewProcessor(opts, diag, debuginfo.Opener(rules))
	lines := p.Run(f)

	if !diag.Success() {
		diag.Summary()
		return 1
	}

	out, err := outputFile(outputPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if _, err := out.WriteString(strings.Join(lines, "\n") + "\n"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if out != os.Stdout {
		if err := out.Close(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
	}
	return 0
}

func outputFile(path string) (*os.File, error) {
	if path == "" || path == "-" {
		return os.Stdout, nil
	}
	return os.Create(path)
}
