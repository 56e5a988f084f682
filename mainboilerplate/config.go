package mainboilerplate

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ConfigFileEnv names an INI file which is parsed in place of a search.
const ConfigFileEnv = "MQGATE_CONFIG"

// ConfigSearchPath returns candidate paths of the INI file |configName|, in
// order of preference: the file named by $MQGATE_CONFIG, or otherwise the
// current directory then ~/.config/mqgate.
func ConfigSearchPath(configName string) []string {
	if path := os.Getenv(ConfigFileEnv); path != "" {
		return []string{path}
	}
	var out = []string{configName}

	if home, err := os.UserHomeDir(); err == nil {
		out = append(out, filepath.Join(home, ".config", "mqgate", configName))
	}
	return out
}

// ParseConfig parses |args| into the Parser, layered over the first INI file
// of ConfigSearchPath which exists. Options of the INI file which the Parser
// doesn't know are ignored. It returns the path of the parsed INI file, if any.
func ParseConfig(parser *flags.Parser, configName string, args []string) (string, error) {
	var origOptions = parser.Options
	parser.Options |= flags.IgnoreUnknown

	var iniParser = flags.NewIniParser(parser)
	var parsed string

	for _, path := range ConfigSearchPath(configName) {
		if err := iniParser.ParseFile(path); err == nil {
			parsed = path
			break
		} else if os.IsNotExist(err) && os.Getenv(ConfigFileEnv) == "" {
			continue
		} else {
			parser.Options = origOptions
			return "", errors.WithMessagef(err, "parsing %s", path)
		}
	}
	parser.Options = origOptions

	var _, err = parser.ParseArgs(args)
	return parsed, err
}

// MustParseConfig parses os.Args with ParseConfig, and exits on failure.
func MustParseConfig(parser *flags.Parser, configName string) {
	var path, err = ParseConfig(parser, configName, os.Args[1:])
	if path != "" {
		log.WithField("path", path).Debug("parsed configuration file")
	}
	if err == nil {
		return
	}
	var flagErr, ok = err.(*flags.Error)
	if !ok {
		Must(err, "failed to parse configuration")
	}

	switch flagErr.Type {
	case flags.ErrDuplicatedFlag, flags.ErrTag, flags.ErrInvalidTag, flags.ErrShortNameTooLong, flags.ErrMarshal:
		// A developer error in the configuration struct, not of input.
		panic(err)

	case flags.ErrCommandRequired, flags.ErrHelp:
		if flagErr.Type == flags.ErrCommandRequired || parser.Options&flags.PrintErrors == 0 {
			os.Stderr.WriteString("\n")
			parser.WriteHelp(os.Stderr)
		}
		fmt.Fprintf(os.Stderr, "\nmqgate %s, built at %s.\n", Version, BuildDate)
		os.Exit(1)

	default:
		// go-flags has already printed the error.
		os.Exit(1)
	}
}

// AddPrintConfigCmd adds a "print-config" command, which writes the combined
// configuration of INI file, environment, and flags to stdout in INI format.
func AddPrintConfigCmd(parser *flags.Parser, configName string) {
	_, _ = parser.AddCommand("print-config", "Print combined configuration and exit", `
print-config parses the combined configuration from `+configName+` (or the file
named by $`+ConfigFileEnv+`), flags, and environment variables, and then writes
the configuration to stdout in INI format.
`, &printConfig{parser})
}

type printConfig struct {
	*flags.Parser `no-flag:"t"`
}

func (p printConfig) Execute([]string) error {
	fmt.Printf("; mqgate %s, built at %s\n", Version, BuildDate)
	flags.NewIniParser(p.Parser).Write(os.Stdout,
		flags.IniIncludeComments|flags.IniCommentDefaults|flags.IniIncludeDefaults)
	return nil
}
