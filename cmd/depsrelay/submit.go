package main

import (
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"pkt.systems/depsrelay/internal/appconfig"
	"pkt.systems/depsrelay/internal/client"
	"pkt.systems/depsrelay/schema"
)

var (
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	doneStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("205")).Bold(true)
)

type submitOptions struct {
	server  string
	agent   string
	repoURL string
	model   string
}

func newSubmitCmd(root *rootOptions) *cobra.Command {
	opts := &submitOptions{}
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a run to a relay and follow its stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load(root.configPath)
			if err != nil {
				return err
			}
			server := opts.server
			if server == "" {
				server = localServerURL(cfg.HTTP)
			}
			model := opts.model
			if model == "" {
				model = cfg.Models.Accepted
			}
			agent := opts.agent
			if agent == "" && len(cfg.Agents) > 0 {
				agent = cfg.Agents[0].Name
			}
			req := schema.RunRequest{Agent: schema.AgentName(agent), RepoURL: opts.repoURL, Model: schema.ModelID(model)}

			out := cmd.OutOrStdout()
			store := client.NewSessionStore()
			renderer := &sessionRenderer{out: out}
			submitter := &client.Submitter{
				BaseURL: server,
				Store:   store,
				OnEvent: func(_ schema.SessionID, ev schema.StreamEvent) { renderer.Render(ev) },
			}
			_, _ = fmt.Fprintln(out, labelStyle.Render(fmt.Sprintf("%s -> %s", agent, opts.repoURL)))
			id, err := submitter.Submit(cmd.Context(), req)
			sess, ok := store.Get(id)
			if ok {
				_, _ = fmt.Fprintln(out, renderSummary(sess))
			}
			if err != nil {
				return err
			}
			if ok && sess.Status == schema.SessionError {
				return fmt.Errorf("run failed: %s", sess.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.server, "server", "", "relay base URL (default: derived from http.addr)")
	cmd.Flags().StringVar(&opts.agent, "agent", "", "agent to run")
	cmd.Flags().StringVar(&opts.repoURL, "repo", "", "repository URL")
	cmd.Flags().StringVar(&opts.model, "model", "", "model id (default: models.accepted)")
	_ = cmd.MarkFlagRequired("repo")
	return cmd
}

// sessionRenderer prints stream events as they arrive.
type sessionRenderer struct {
	mu       sync.Mutex
	out      io.Writer
	midChunk bool
}

func (r *sessionRenderer) Render(ev schema.StreamEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch ev := ev.(type) {
	case schema.StatusEvent:
		r.breakLine()
		_, _ = fmt.Fprintln(r.out, statusStyle.Render("> "+ev.Message))
	case schema.ChunkEvent:
		_, _ = io.WriteString(r.out, ev.Data)
		r.midChunk = ev.Data != "" && !strings.HasSuffix(ev.Data, "\n")
	case schema.ErrorEvent:
		r.breakLine()
		_, _ = fmt.Fprintln(r.out, errorStyle.Render("[error] "+ev.Message))
	case schema.DoneEvent:
		r.breakLine()
	}
}

func (r *sessionRenderer) breakLine() {
	if r.midChunk {
		_, _ = io.WriteString(r.out, "\n")
		r.midChunk = false
	}
}

func renderSummary(sess client.Session) string {
	line := fmt.Sprintf("session %s %s", sess.ID, sess.Status)
	switch sess.Status {
	case schema.SessionError:
		return errorStyle.Render(line + ": " + sess.Error)
	case schema.SessionCompleted:
		return doneStyle.Render(line)
	default:
		return statusStyle.Render(line)
	}
}

// localServerURL turns a listen address into a URL a local client can dial.
func localServerURL(cfg appconfig.HTTPConfig) string {
	if cfg.BaseURL != "" {
		return strings.TrimRight(cfg.BaseURL, "/") + normalizePrefix(cfg.BasePath)
	}
	host, port, err := net.SplitHostPort(cfg.Addr)
	if err != nil {
		return "http://" + cfg.Addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port) + normalizePrefix(cfg.BasePath)
}

func normalizePrefix(p string) string {
	p = strings.Trim(strings.TrimSpace(p), "/")
	if p == "" {
		return ""
	}
	return "/" + p
}
