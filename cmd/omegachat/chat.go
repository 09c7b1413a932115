package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	omegachat "github.com/omegachat/omegachat-go"
	"github.com/rivo/tview"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat [user-id]",
	Short: "Open a live chat window",
	Long: "Open a terminal chat window with live updates.\n" +
		"Commands in the input line: /edit <id> <text>, /delete <id>, /file <path> [caption], /quit.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		a, err := openApp(ctx, true)
		if err != nil {
			return err
		}
		defer a.close()

		me, err := a.client.Auth.Me(ctx)
		if err != nil {
			return explain(err)
		}
		users, err := a.client.Users.List(ctx)
		if err != nil {
			return explain(err)
		}
		if len(users) == 0 {
			return fmt.Errorf("no other users to chat with")
		}

		engine, err := a.client.NewEngine(nil)
		if err != nil {
			return err
		}
		defer engine.Close()
		rt := a.client.NewRealtime(nil)
		engine.Bind(rt)
		engine.SeedPresence(users)

		ui := newChatUI(ctx, me, users, engine, rt)
		start := users[0].ID
		if len(args) == 1 {
			start = args[0]
		}
		return ui.run(start)
	},
}

// ============================================================================
// Chat window
// ============================================================================

type chatUI struct {
	ctx    context.Context
	me     *omegachat.User
	users  []omegachat.User
	names  map[string]string
	engine *omegachat.Engine
	rt     *omegachat.RealtimeClient

	app    *tview.Application
	list   *tview.List
	thread *tview.TextView
	input  *tview.InputField
	status *tview.TextView

	mu         sync.Mutex
	lastTyping time.Time
	notice     string
}

func newChatUI(ctx context.Context, me *omegachat.User, users []omegachat.User, engine *omegachat.Engine, rt *omegachat.RealtimeClient) *chatUI {
	names := map[string]string{me.ID: "me"}
	for _, u := range users {
		names[u.ID] = u.Name
	}
	return &chatUI{ctx: ctx, me: me, users: users, names: names, engine: engine, rt: rt}
}

func (c *chatUI) run(counterpart string) error {
	c.app = tview.NewApplication()

	c.list = tview.NewList()
	c.list.SetBorder(true)
	c.list.SetTitle(" Users ")
	c.list.ShowSecondaryText(false)
	c.list.SetHighlightFullLine(true)
	for _, u := range c.users {
		id := u.ID
		c.list.AddItem(u.Name, "", 0, func() { c.open(id) })
	}

	c.thread = tview.NewTextView()
	c.thread.SetBorder(true)
	c.thread.SetDynamicColors(true)
	c.thread.SetScrollable(true)

	c.input = tview.NewInputField()
	c.input.SetLabel("> ")
	c.input.SetFieldWidth(0)
	c.input.SetBorder(true)
	c.input.SetChangedFunc(func(string) { c.typing() })
	c.input.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		text := strings.TrimSpace(c.input.GetText())
		c.input.SetText("")
		if text != "" {
			c.submit(text)
		}
	})

	c.status = tview.NewTextView()
	c.status.SetDynamicColors(true)
	c.status.SetText(" Enter:Send | Tab:Users/Input | Esc:Quit ")

	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(c.thread, 0, 1, false).
		AddItem(c.input, 3, 0, true).
		AddItem(c.status, 1, 0, false)
	root := tview.NewFlex().
		AddItem(c.list, 28, 0, false).
		AddItem(right, 0, 1, true)

	root.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyEsc:
			c.app.Stop()
			return nil
		case tcell.KeyTab:
			if c.list.HasFocus() {
				c.app.SetFocus(c.input)
			} else {
				c.app.SetFocus(c.list)
			}
			return nil
		}
		return event
	})

	unsubscribe := c.engine.Subscribe(func(v omegachat.ConversationView) {
		c.app.QueueUpdateDraw(func() { c.render(v) })
	})
	defer unsubscribe()

	c.rt.OnReconnecting(func(attempt int, delay time.Duration) {
		c.setNotice(fmt.Sprintf("[yellow]reconnecting (attempt %d, in %s)[-]", attempt, delay.Round(time.Millisecond)))
	})
	c.rt.OnConnected(func() { c.setNotice("") })
	c.rt.OnUnauthorized(func() {
		c.setNotice("[red]session expired; run 'omegachat login'[-]")
	})

	go func() {
		if err := c.rt.Connect(c.ctx); err != nil {
			c.setNotice("[red]realtime: " + tview.Escape(err.Error()) + "[-]")
		}
	}()
	c.open(counterpart)

	defer func() { _ = c.rt.Disconnect() }()
	return c.app.SetRoot(root, true).EnableMouse(true).Run()
}

func (c *chatUI) open(userID string) {
	go func() {
		if err := c.engine.Open(c.ctx, userID); err != nil {
			c.setNotice("[red]" + tview.Escape(explain(err).Error()) + "[-]")
		}
	}()
}

func (c *chatUI) render(v omegachat.ConversationView) {
	title := " " + c.names[v.Counterpart]
	if v.Online {
		title += " (online)"
	}
	if v.Typing {
		title += " typing..."
	}
	c.thread.SetTitle(title + " ")

	for i, u := range c.users {
		marker := "  "
		if c.engine.Online(u.ID) {
			marker = "* "
		}
		c.list.SetItemText(i, marker+u.Name, "")
	}

	var b strings.Builder
	switch {
	case v.Err != nil:
		fmt.Fprintf(&b, "[red]%s[-]\n", tview.Escape(explain(v.Err).Error()))
	case v.Loading:
		b.WriteString("[gray]loading...[-]\n")
	}
	for _, m := range v.Messages {
		who := c.names[m.SenderID]
		if who == "" {
			who = m.SenderID
		}
		body := tview.Escape(m.Text)
		if m.Attachment != nil {
			body = strings.TrimSpace(body + " [blue]" + tview.Escape("["+string(m.Attachment.Kind)+": "+m.Attachment.Name+"]") + "[-]")
		}
		suffix := ""
		switch {
		case m.Pending:
			suffix = " [gray](sending)[-]"
		case m.Edited:
			suffix = " [gray](edited)[-]"
		}
		fmt.Fprintf(&b, "[gray]%s[-] [::b]%s[::-]: %s%s [gray]%s[-]\n",
			m.CreatedAt.Local().Format("15:04"), tview.Escape(who), body, suffix, shortID(m.ID))
	}
	c.thread.SetText(b.String())
	c.thread.ScrollToEnd()

	c.mu.Lock()
	notice := c.notice
	c.mu.Unlock()
	if notice != "" {
		c.status.SetText(" " + notice)
	} else {
		c.status.SetText(" Enter:Send | Tab:Users/Input | Esc:Quit ")
	}
}

func (c *chatUI) setNotice(text string) {
	c.mu.Lock()
	c.notice = text
	c.mu.Unlock()
	c.app.QueueUpdateDraw(func() {
		if text == "" {
			c.status.SetText(" Enter:Send | Tab:Users/Input | Esc:Quit ")
			return
		}
		c.status.SetText(" " + text)
	})
}

// typing sends at most one typing signal per second.
func (c *chatUI) typing() {
	c.mu.Lock()
	if time.Since(c.lastTyping) < time.Second {
		c.mu.Unlock()
		return
	}
	c.lastTyping = time.Now()
	c.mu.Unlock()

	to := c.engine.View().Counterpart
	go func() { _ = c.rt.StartTyping(c.ctx, to) }()
}

func (c *chatUI) submit(text string) {
	to := c.engine.View().Counterpart
	go func() {
		_ = c.rt.StopTyping(c.ctx, to)
		var err error
		fields := strings.Fields(text)
		switch {
		case fields[0] == "/quit":
			c.app.Stop()
			return
		case fields[0] == "/edit" && len(fields) >= 3:
			_, err = c.engine.Edit(c.ctx, c.resolveID(fields[1]), strings.Join(fields[2:], " "))
		case fields[0] == "/delete" && len(fields) == 2:
			err = c.engine.Delete(c.ctx, c.resolveID(fields[1]))
		case fields[0] == "/file" && len(fields) >= 2:
			var data []byte
			data, err = os.ReadFile(fields[1])
			if err == nil {
				_, err = c.engine.SendFile(c.ctx, to, strings.Join(fields[2:], " "), filepath.Base(fields[1]), data)
			}
		default:
			_, err = c.engine.Send(c.ctx, &omegachat.Draft{To: to, Text: text})
		}
		if err != nil {
			c.setNotice("[red]" + tview.Escape(explain(err).Error()) + "[-]")
			return
		}
		c.setNotice("")
	}()
}

// resolveID expands the short id shown in the thread to the full one.
func (c *chatUI) resolveID(short string) string {
	for _, m := range c.engine.View().Messages {
		if m.ID == short || (m.ID != "" && shortID(m.ID) == short) {
			return m.ID
		}
	}
	return short
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
