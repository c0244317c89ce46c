package cmd

import (
	"fmt"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/tphakala/detectpipe/internal/errors"
)

// configKeyAnnotation marks flags that override a configuration key.
const configKeyAnnotation = "config_key"

// annotateFlags records the configuration key of each flag. Binding waits
// until the executing command is known, since several commands share keys.
func annotateFlags(flags *pflag.FlagSet, keys map[string]string) {
	for name, key := range keys {
		if err := flags.SetAnnotation(name, configKeyAnnotation, []string{key}); err != nil {
			panic(err)
		}
	}
}

// bindFlags binds the annotated flags of the executing command to viper.
// Unset flags leave the configured value in place.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var errs []error
	flags.VisitAll(func(f *pflag.Flag) {
		keys := f.Annotations[configKeyAnnotation]
		if len(keys) == 0 {
			return
		}
		if err := v.BindPFlag(keys[0], f); err != nil {
			errs = append(errs, fmt.Errorf("error binding flag %s: %w", f.Name, err))
		}
	})
	return errors.Join(errs...)
}
