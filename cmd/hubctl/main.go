// Command hubctl is the operator/reference CLI for the collaboration hub:
// create and list journals, submit content, tail the event log, and
// inspect the work/approval queues, all over the REST introspection
// surface and the WS protocol. Grounded on the teacher's cmd/wl/main.go
// cobra command tree and jedib0t/go-pretty table rendering; the in-process
// "serve" and project/RBAC administration commands don't survive the
// move to a standalone hubd server, so this CLI is a pure network client.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	hubclient "github.com/opencode-hub/hub/internal/client"
)

var rootCmd = &cobra.Command{
	Use:   "hubctl",
	Short: "Opencode collaboration hub CLI",
	Long: `hubctl talks to a running hubd server over its REST introspection
surface and WS protocol.

Core concepts:
- Journal: a named, branchable conversation timeline.
- Block: one turn in a journal (a user prompt or an assistant response).
- Work item: a unit of work one participant delegates to another.
- Approval request: a one-shot yes/no gate on a work item's result.
- Event log: append-only record of every state change, view with
  'hubctl events tail'.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("HUBCTL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().String("server", "http://127.0.0.1:8080", "hubd server base URL")
	rootCmd.PersistentFlags().String("token", "", "bearer token")
	rootCmd.PersistentFlags().String("api-key", "", "API key")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON instead of a table")
	_ = viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
	_ = viper.BindPFlag("api-key", rootCmd.PersistentFlags().Lookup("api-key"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(journalCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(workCmd())
	rootCmd.AddCommand(approvalCmd())
	rootCmd.AddCommand(participantsCmd())
}

func newClient() *hubclient.Client {
	c := hubclient.New(viper.GetString("server"))
	c.BearerToken = viper.GetString("token")
	c.APIKey = viper.GetString("api-key")
	return c
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTableWriter(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	return tw
}

func journalCmd() *cobra.Command {
	j := &cobra.Command{Use: "journal", Short: "Manage journals"}
	j.AddCommand(journalListCmd())
	j.AddCommand(journalCreateCmd())
	j.AddCommand(journalShowCmd())
	return j
}

func journalListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List journals",
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := newClient().ListJournals(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(items)
			}
			tw := newTableWriter(table.Row{"ID", "Title", "Blocks", "Last block", "Updated"})
			for _, it := range items {
				tw.AppendRow(table.Row{it.ID, it.Title, it.BlockCount, truncate(it.LastBlockSnippet, 40), it.UpdatedAt})
			}
			tw.Render()
			return nil
		},
	}
}

func journalCreateCmd() *cobra.Command {
	var title string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := newClient().CreateJournal(cmd.Context(), title)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(j)
			}
			fmt.Println(j.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "journal title")
	return cmd
}

func journalShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <journal-id>",
		Short: "Show a journal's blocks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			j, blocks, err := newClient().GetJournal(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"journal": j, "blocks": blocks})
			}
			tw := newTableWriter(table.Row{"ID", "Role", "Status", "Content"})
			for _, b := range blocks {
				tw.AppendRow(table.Row{b.ID, b.Role, b.Status, truncate(b.Content, 60)})
			}
			tw.Render()
			return nil
		},
	}
}

func submitCmd() *cobra.Command {
	var journalID, content string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit content to a journal over a live WS session and print the response blocks",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := newClient().Dial(cmd.Context())
			if err != nil {
				return err
			}
			defer sess.Close()
			if err := sess.Send("submit", map[string]any{"journal_id": journalID, "content": content}); err != nil {
				return err
			}
			for {
				env, err := sess.Recv()
				if err != nil {
					return err
				}
				fmt.Printf("%s: %s\n", env.Type, string(env.Raw))
				if env.Type == "block_status_changed" {
					var fields struct {
						Status string `json:"status"`
					}
					_ = json.Unmarshal(env.Raw, &fields)
					if fields.Status == "complete" || fields.Status == "error" {
						return nil
					}
				}
			}
		},
	}
	cmd.Flags().StringVar(&journalID, "journal", "", "journal id")
	cmd.Flags().StringVar(&content, "content", "", "prompt content")
	return cmd
}

func eventsCmd() *cobra.Command {
	e := &cobra.Command{Use: "events", Short: "Inspect the event log"}
	e.AddCommand(eventsTailCmd())
	return e
}

func eventsTailCmd() *cobra.Command {
	var journalID string
	var limit int
	var follow bool
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print events oldest first, optionally following for new ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			for {
				page, err := c.Events(cmd.Context(), journalID, limit)
				if err != nil {
					return err
				}
				for _, evt := range page.Items {
					if viper.GetBool("json") {
						if err := printJSON(evt); err != nil {
							return err
						}
						continue
					}
					fmt.Printf("%-8d %-24s %-24s %s\n", evt.ID, evt.TS, evt.Type, evt.ActorID)
				}
				if !follow {
					return nil
				}
				time.Sleep(2 * time.Second)
			}
		},
	}
	cmd.Flags().StringVar(&journalID, "journal", "", "filter by journal id")
	cmd.Flags().IntVar(&limit, "limit", 50, "max events per page")
	cmd.Flags().BoolVar(&follow, "follow", false, "poll for new events")
	return cmd
}

func workCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "work-queue <participant-id>",
		Short: "List work items assigned to a participant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := newClient().WorkQueue(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(items)
			}
			tw := newTableWriter(table.Row{"ID", "Description", "Status", "Priority", "Delegator"})
			for _, w := range items {
				tw.AppendRow(table.Row{w.ID, truncate(w.Description, 40), w.Status, w.Priority, w.DelegatorID})
			}
			tw.Render()
			return nil
		},
	}
	return cmd
}

func approvalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approval-queue <approver-id>",
		Short: "List approval requests awaiting an approver",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := newClient().ApprovalQueue(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(items)
			}
			tw := newTableWriter(table.Row{"ID", "Work item", "Requester", "Status"})
			for _, a := range items {
				tw.AppendRow(table.Row{a.ID, a.WorkItemID, a.RequesterID, a.Status})
			}
			tw.Render()
			return nil
		},
	}
	return cmd
}

func participantsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "participants",
		Short: "List participants currently accepting work",
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := newClient().AvailableParticipants(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(items)
			}
			tw := newTableWriter(table.Row{"ID", "Name", "Kind", "Capacity"})
			for _, p := range items {
				tw.AppendRow(table.Row{p.ID, p.Name, p.Kind, p.WorkCapacity})
			}
			tw.Render()
			return nil
		},
	}
	return cmd
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
