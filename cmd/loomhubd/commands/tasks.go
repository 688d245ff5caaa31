package commands

import (
	"encoding/json"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/loomhub/loomhub/errors"
	"github.com/loomhub/loomhub/store"
)

// TasksCmd manages the Task Queue.
var TasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect and manage queued tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "Summarize task counts by status",
	RunE:  runTasksList,
}

var tasksEnqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Enqueue a task",
	RunE:  runTasksEnqueue,
}

var tasksCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Mark a task failed out-of-band",
	Long: `Mark a task failed from outside the running server process.

This CLI process has no connection to the live Worker Hub, so it cannot
push a task:cancel frame to the worker actually holding the task the way
Hub.Cancel does from inside the server. It marks the task failed and
non-retryable directly in the store; a worker that later reports progress
or completion on this task id will find it already terminal.`,
	Args: cobra.ExactArgs(1),
	RunE: runTasksCancel,
}

func init() {
	tasksEnqueueCmd.Flags().String("type", "", "task type (required)")
	tasksEnqueueCmd.Flags().String("capability", "", "required worker capability (required)")
	tasksEnqueueCmd.Flags().StringSlice("fallback", nil, "fallback capability, tried in order (repeatable)")
	tasksEnqueueCmd.Flags().Int("priority", 0, "routing priority (higher dispatched first)")
	tasksEnqueueCmd.Flags().String("payload", "{}", "JSON payload")
	tasksEnqueueCmd.Flags().String("dedup-key", "", "idempotency key; a second enqueue with the same key and a non-terminal prior task is a no-op")
	tasksEnqueueCmd.MarkFlagRequired("type")
	tasksEnqueueCmd.MarkFlagRequired("capability")

	tasksCancelCmd.Flags().String("reason", "cancelled via CLI", "reason recorded against the task")

	TasksCmd.AddCommand(tasksListCmd, tasksEnqueueCmd, tasksCancelCmd)
}

func runTasksList(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	counts, err := a.queue.CountByStatus()
	if err != nil {
		return errors.Wrap(err, "count tasks")
	}

	table := pterm.TableData{{"STATUS", "COUNT"}}
	for _, status := range []store.TaskStatus{
		store.TaskPending, store.TaskAssigned, store.TaskProcessing,
		store.TaskCompleted, store.TaskFailed, store.TaskTimeout,
	} {
		table = append(table, []string{string(status), strconv.Itoa(counts[status])})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(table).Render()
}

func runTasksEnqueue(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	taskType, _ := cmd.Flags().GetString("type")
	capability, _ := cmd.Flags().GetString("capability")
	fallbacks, _ := cmd.Flags().GetStringSlice("fallback")
	priority, _ := cmd.Flags().GetInt("priority")
	payloadRaw, _ := cmd.Flags().GetString("payload")
	dedupKey, _ := cmd.Flags().GetString("dedup-key")

	if !json.Valid([]byte(payloadRaw)) {
		return errors.New("payload is not valid JSON")
	}

	id, wasNew, err := a.queue.Enqueue(store.TaskType(taskType), capability, fallbacks, priority, json.RawMessage(payloadRaw), dedupKey)
	if err != nil {
		return errors.Wrap(err, "enqueue task")
	}

	if wasNew {
		pterm.Success.Printf("task enqueued: %s\n", id)
	} else {
		pterm.Info.Printf("task already in flight under this dedup key: %s\n", id)
	}
	return nil
}

func runTasksCancel(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	reason, _ := cmd.Flags().GetString("reason")
	task, err := a.queue.Get(args[0])
	if err != nil {
		return errors.Wrap(err, "look up task")
	}
	if task.Status.IsTerminal() {
		pterm.Info.Printf("task %s already in terminal state %s\n", task.ID, task.Status)
		return nil
	}

	if err := a.queue.Fail(task.ID, reason, false); err != nil {
		return errors.Wrap(err, "cancel task")
	}
	pterm.Success.Printf("task %s cancelled\n", task.ID)
	return nil
}
