package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newTasksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tasks",
		Short: "List the tasks defined in devices.yaml",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := loadFleetConfig()
			if err != nil {
				return err
			}
			tasks := file.ListTasks()
			if len(tasks) == 0 {
				fmt.Fprintln(os.Stdout, "No tasks configured.")
				return nil
			}
			fmt.Fprintln(os.Stdout, "📋 Available tasks:")
			for _, t := range tasks {
				marker := " "
				if t.Active {
					marker = "*"
				}
				fmt.Fprintf(os.Stdout, " %s %-20s %s\n", marker, t.Name, t.GoalPreview)
			}
			return nil
		},
	}
}
