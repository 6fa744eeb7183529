package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// Opt is a single command-line option
type Opt struct {
	DestP   interface{} // pointer to the destination
	Flag    string
	Default interface{}
	Desc    string
	// Persistent makes the flag available to every subcommand.
	Persistent bool
}

// NewOpt creates a new command line option.
func NewOpt(destP interface{}, flag string, dflt interface{}, desc string) Opt {
	return Opt{
		DestP:   destP,
		Flag:    flag,
		Default: dflt,
		Desc:    desc,
	}
}

// NewViper returns a viper that resolves option names against environment
// variables prefixed with the upper-case program name. "-" in an option name
// is normalized to an underscore.
func NewViper(name string) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(strings.ToUpper(name))
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	return v
}

// BindOptions adds opts as flags of cmd.
func BindOptions(cmd *cobra.Command, opts []Opt) {
	for _, o := range opts {
		fs := cmd.Flags()
		if o.Persistent {
			fs = cmd.PersistentFlags()
		}

		switch destP := o.DestP.(type) {
		case *string:
			var d string
			if o.Default != nil {
				d = o.Default.(string)
			}
			fs.StringVar(destP, o.Flag, d, o.Desc)
		case *int:
			var d int
			if o.Default != nil {
				d = o.Default.(int)
			}
			fs.IntVar(destP, o.Flag, d, o.Desc)
		case *bool:
			var d bool
			if o.Default != nil {
				d = o.Default.(bool)
			}
			fs.BoolVar(destP, o.Flag, d, o.Desc)
		case *float64:
			var d float64
			if o.Default != nil {
				d = o.Default.(float64)
			}
			fs.Float64Var(destP, o.Flag, d, o.Desc)
		case *time.Duration:
			var d time.Duration
			if o.Default != nil {
				d = o.Default.(time.Duration)
			}
			fs.DurationVar(destP, o.Flag, d, o.Desc)
		case *zapcore.Level:
			var d zapcore.Level
			if o.Default != nil {
				d = o.Default.(zapcore.Level)
			}
			LevelVar(fs, destP, o.Flag, d, o.Desc)
		default:
			// if you get a panic here, sorry about that!
			// anyway, go ahead and make a PR and add another type.
			panic(fmt.Errorf("unknown destination type %T", o.DestP))
		}
	}
}

// ReadConfig merges the config file at path into v. The format follows the
// file extension.
func ReadConfig(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("reading config %s: %w", path, err)
	}
	return nil
}

// Apply sets every flag of cmd that was not given on the command line from
// the environment or config file known to v. Flags given on the command line
// take precedence, then environment variables, then the config file, then
// the flag default.
func Apply(v *viper.Viper, cmd *cobra.Command) error {
	var err error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if err != nil || f.Changed || !v.IsSet(f.Name) {
			return
		}
		if serr := f.Value.Set(v.GetString(f.Name)); serr != nil {
			err = fmt.Errorf("invalid value for %s: %w", f.Name, serr)
		}
	})
	return err
}

type levelValue zapcore.Level

func (l *levelValue) String() string {
	return zapcore.Level(*l).String()
}

func (l *levelValue) Set(s string) error {
	var level zapcore.Level
	if err := level.Set(s); err != nil {
		return fmt.Errorf("unknown log level; supported levels are debug, info, warn, error")
	}
	*l = levelValue(level)
	return nil
}

func (l *levelValue) Type() string {
	return "Log-Level"
}

// LevelVar defines a zapcore.Level flag with specified name, default value, and usage string.
func LevelVar(fs *pflag.FlagSet, p *zapcore.Level, name string, value zapcore.Level, usage string) {
	*p = value
	fs.Var((*levelValue)(p), name, usage)
}
