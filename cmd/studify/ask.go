package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/studify-ai/studify/pkg/flags"
	"github.com/studify-ai/studify/pkg/prompt"
)

type AskFlags struct {
	AIFlags *flags.AIFlags

	Mode        string
	Preferences map[string]string
}

func NewAskFlags() *AskFlags {
	return &AskFlags{
		AIFlags: flags.NewAIFlags(),
	}
}

func (f *AskFlags) BindFlags(fs *pflag.FlagSet) {
	f.AIFlags.BindFlags(fs)

	fs.StringVar(&f.Mode, "mode", f.Mode, "Persona to answer with: {chat,coding,notes,search}")
	fs.StringToStringVar(&f.Preferences, "pref", f.Preferences, "Learner preferences, e.g. edu_level=student,ui_lang=en")
}

func NewAskCommand() *cobra.Command {
	f := NewAskFlags()

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a single question without an account or history, printing the full answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := f.AIFlags.Validate(); err != nil {
				return errors.WithMessage(err, "error validating options")
			}

			personas, err := f.AIFlags.GetPersonaTable()
			if err != nil {
				return errors.WithMessage(err, "couldn't load personas")
			}
			p := personas.Resolve(f.Mode, false)

			ctx, cancel := context.WithTimeout(cmd.Context(), f.AIFlags.Timeout)
			defer cancel()

			client := f.AIFlags.GetLLMClient(p.Model)
			answer, err := client.Chat(ctx, prompt.SystemPrompt(p, f.Preferences), strings.Join(args, " "))
			if err != nil {
				return errors.WithMessagef(err, "%s did not answer", client.Model())
			}

			fmt.Fprintln(os.Stdout, answer)
			return nil
		},
	}

	f.BindFlags(cmd.Flags())
	return cmd
}
