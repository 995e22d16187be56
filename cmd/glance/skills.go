package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/neboloop/glance/internal/agent/skills"
	"github.com/neboloop/glance/internal/defaults"
)

// SkillsCmd creates the skills management command
func SkillsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "skills",
		Short: "Manage skill definitions",
		Long: `Skills are SKILL.md files that define reusable procedures.
They use YAML front matter for metadata and the markdown body for instructions.

Each skill lives in its own subdirectory of the data directory's skills/ folder.`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all skills",
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := openRegistry()
			if err != nil {
				return err
			}
			return listSkills(cmd.OutOrStdout(), registry)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show [name]",
		Short: "Show details of a skill",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := openRegistry()
			if err != nil {
				return err
			}
			skill, err := registry.Load(args[0])
			if err != nil {
				return err
			}
			showSkill(cmd.OutOrStdout(), skill)
			return nil
		},
	})

	cmd.AddCommand(createSkillCmd())

	cmd.AddCommand(&cobra.Command{
		Use:   "delete [name]",
		Short: "Delete a skill and its files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := openRegistry()
			if err != nil {
				return err
			}
			if err := registry.Delete(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted skill %s\n", args[0])
			return nil
		},
	})

	return cmd
}

func createSkillCmd() *cobra.Command {
	var (
		description  string
		instructions string
		file         string
		tools        []string
		model        string
		context      string
		modelOnly    bool
	)

	cmd := &cobra.Command{
		Use:   "create [name]",
		Short: "Create a skill",
		Long: `Create a skill directory with a SKILL.md file.

Instructions come from --instructions, from --file, or from stdin with --file -.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := openRegistry()
			if err != nil {
				return err
			}
			if file != "" {
				body, err := readInput(cmd.InOrStdin(), file)
				if err != nil {
					return err
				}
				instructions = body
			}

			var o skills.Overrides
			if cmd.Flags().Changed("tools") {
				o.AllowedTools = &tools
			}
			if model != "" {
				o.Model = &model
			}
			if context != "" {
				o.Context = &context
			}
			if modelOnly {
				no := false
				o.UserInvocable = &no
			}

			skill, err := registry.Create(args[0], description, instructions, o)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created skill %s at %s\n", skill.Name, skill.Path)
			return nil
		},
	}

	cmd.Flags().StringVarP(&description, "description", "d", "", "one-line description (required)")
	cmd.Flags().StringVarP(&instructions, "instructions", "i", "", "instructions text")
	cmd.Flags().StringVarP(&file, "file", "f", "", "read instructions from a file ('-' for stdin)")
	cmd.Flags().StringSliceVar(&tools, "tools", nil, "tools the skill may use (empty for none)")
	cmd.Flags().StringVar(&model, "model", "", "model override while the skill runs")
	cmd.Flags().StringVar(&context, "context", "", "screen or none")
	cmd.Flags().BoolVar(&modelOnly, "model-only", false, "hide the skill from users; only the model can invoke it")
	cmd.MarkFlagRequired("description")
	return cmd
}

func openRegistry() (*skills.Registry, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	registry := skills.NewRegistry(cfg.SkillsDir(), nil)
	if _, err := registry.EnsureBuiltins(defaults.BuiltinSkills()); err != nil {
		return nil, err
	}
	return registry, nil
}

func listSkills(w io.Writer, registry *skills.Registry) error {
	list, err := registry.Discover()
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Fprintln(w, "No skills found.")
		fmt.Fprintf(w, "\nSkills directory: %s\n", registry.Root())
		fmt.Fprintln(w, "Create subdirectories with SKILL.md files to define skills.")
		return nil
	}

	fmt.Fprintln(w, "Skills:")
	for _, s := range list {
		var flags []string
		if !s.UserInvocable {
			flags = append(flags, "model only")
		}
		if s.DisableModelInvocation {
			flags = append(flags, "user only")
		}
		if s.Context != "" {
			flags = append(flags, "context: "+s.Context)
		}
		fmt.Fprintf(w, "  \033[32m%s\033[0m", s.Name)
		if len(flags) > 0 {
			fmt.Fprintf(w, " (%s)", strings.Join(flags, ", "))
		}
		fmt.Fprintf(w, "\n      %s\n", s.Description)
	}
	return nil
}

func showSkill(w io.Writer, s *skills.Skill) {
	fmt.Fprintf(w, "Name:        %s\n", s.Name)
	fmt.Fprintf(w, "Description: %s\n", s.Description)
	fmt.Fprintf(w, "Path:        %s\n", s.Path)
	if s.AllowedTools != nil {
		tools := strings.Join(*s.AllowedTools, ", ")
		if tools == "" {
			tools = "(none)"
		}
		fmt.Fprintf(w, "Tools:       %s\n", tools)
	}
	if s.Model != "" {
		fmt.Fprintf(w, "Model:       %s\n", s.Model)
	}
	if s.Context != "" {
		fmt.Fprintf(w, "Context:     %s\n", s.Context)
	}
	fmt.Fprintf(w, "By user:     %t\n", s.UserInvocable)
	fmt.Fprintf(w, "By model:    %t\n", !s.DisableModelInvocation)
	fmt.Fprintf(w, "\n%s\n", strings.TrimSpace(s.Instructions))
}

func readInput(stdin io.Reader, file string) (string, error) {
	var (
		data []byte
		err  error
	)
	if file == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(file)
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}
