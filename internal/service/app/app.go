package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"chat_sync/internal/apperr"
	"chat_sync/internal/controller"
	"chat_sync/internal/conversation"
	"chat_sync/internal/model"
	"chat_sync/internal/session"
	"chat_sync/internal/utils/log"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"go.uber.org/zap"
)

type (
	// App is the terminal view over a controller. Only the watch goroutine
	// talks to tview from outside the UI goroutine.
	App struct {
		app     *tview.Application
		chatbox *tview.TextView
		input   *tview.InputField
		peer    *tview.InputField
		name    *tview.InputField
		status  *tview.TextView
		notice  *tview.TextView

		session    *session.Session
		store      *conversation.Store
		controller *controller.Controller
		anonymous  bool

		notices chan error
		updates chan func()
		stopped chan struct{}
		quit    context.CancelFunc
	}
)

func NewApp(sess *session.Session, store *conversation.Store, anonymous bool) *App {
	return &App{
		app:       tview.NewApplication(),
		session:   sess,
		store:     store,
		anonymous: anonymous,
		notices:   make(chan error, 16),
		updates:   make(chan func(), 16),
		stopped:   make(chan struct{}),
		quit:      func() {},
	}
}

// Notify shows err on the notice line. It is safe to call from any
// goroutine and never blocks; a notice is dropped when too many are queued.
func (c *App) Notify(err error) {
	select {
	case c.notices <- err:
	default:
		log.Warn("notice dropped", zap.Error(err))
	}
}

// Run drives ctrl until ctx is done or the user quits. identity is only used
// by anonymous sessions; counterparty preselects a conversation.
func (c *App) Run(ctx context.Context, ctrl *controller.Controller, identity, counterparty string) error {
	defer close(c.stopped)

	c.controller = ctrl
	c.build()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.quit = cancel

	ctrl.Start(ctx)
	if c.anonymous && identity != "" {
		c.name.SetText(identity)
		if err := c.session.IssueAnonymous(identity); err != nil {
			return err
		}
	}
	if counterparty != "" {
		c.peer.SetText(counterparty)
		ctrl.Select(counterparty)
	}
	c.redraw()

	go c.watch(ctx)

	// blocking function
	if err := c.app.Run(); err != nil {
		return fmt.Errorf("cannot init app: %w", err)
	}
	return nil
}

func (c *App) build() {
	c.chatbox = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	c.chatbox.SetBorder(true).SetTitle(" Chat History ")

	c.status = tview.NewTextView().SetDynamicColors(true)
	c.notice = tview.NewTextView().SetDynamicColors(true)

	c.peer = tview.NewInputField().
		SetLabel("Chat with: ").
		SetFieldWidth(0)
	c.peer.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		counterparty := c.peer.GetText()
		c.app.SetFocus(c.input)
		go func() {
			c.controller.Select(counterparty)
			c.post(c.redraw)
		}()
	})

	c.input = tview.NewInputField().
		SetLabel("Message: ").
		SetFieldWidth(0)
	c.input.SetBorder(true).SetTitle(" New Message ")
	c.input.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		text := c.input.GetText()

		go func(msg string) {
			err := c.controller.SendMessage(msg)
			switch {
			case err == nil:
				c.post(func() { c.input.SetText("") })
			case errors.Is(err, apperr.ErrEmptyMessage):
			default:
				log.Error("Send message failed", zap.Error(err))
				c.Notify(err)
			}
		}(text)
	})

	header := tview.NewFlex().SetDirection(tview.FlexColumn)
	focus := []tview.Primitive{c.peer, c.input}
	if c.anonymous {
		c.name = tview.NewInputField().
			SetLabel("Your name: ").
			SetFieldWidth(0)
		c.name.SetDoneFunc(func(key tcell.Key) {
			if key != tcell.KeyEnter {
				return
			}
			name := c.name.GetText()
			c.app.SetFocus(c.peer)
			go func() {
				if err := c.session.IssueAnonymous(name); err != nil {
					c.Notify(err)
					return
				}
				c.post(c.redraw)
			}()
		})
		header.AddItem(c.name, 0, 1, true)
		focus = append([]tview.Primitive{c.name}, focus...)
	}
	header.AddItem(c.peer, 0, 1, !c.anonymous)

	layout := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(header, 1, 0, true).
		AddItem(c.chatbox, 0, 1, false).
		AddItem(c.input, 3, 0, false).
		AddItem(c.status, 1, 0, false).
		AddItem(c.notice, 1, 0, false)

	c.app.SetRoot(layout, true).SetFocus(focus[0])
	c.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyTab:
			c.app.SetFocus(nextFocus(focus, c.app.GetFocus()))
			return nil
		case tcell.KeyCtrlR:
			go func() {
				c.controller.Retry()
				c.post(c.redraw)
			}()
			return nil
		case tcell.KeyCtrlC:
			// stop through watch so no update is queued on a dead app
			c.quit()
			return nil
		}
		return event
	})
}

// post runs f on the UI goroutine unless the app already stopped.
func (c *App) post(f func()) {
	select {
	case c.updates <- f:
	case <-c.stopped:
	}
}

// watch forwards store changes, notices and posted updates to the UI
// goroutine. It is the only caller of QueueUpdateDraw and the one that stops
// the app, so it never waits on a stopped app.
func (c *App) watch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.app.Stop()
			return
		case <-c.store.Changed():
			c.app.QueueUpdateDraw(c.redraw)
		case err := <-c.notices:
			c.app.QueueUpdateDraw(func() {
				c.notice.SetText("[red]" + tview.Escape(describe(err)) + "[-]")
			})
		case f := <-c.updates:
			c.app.QueueUpdateDraw(f)
		}
	}
}

// redraw must run on the UI goroutine.
func (c *App) redraw() {
	identity, counterparty := c.controller.Selection()

	c.chatbox.SetText(formatTranscript(identity, c.store.Transcript()))
	c.chatbox.ScrollToEnd()
	if counterparty != "" {
		c.chatbox.SetTitle(fmt.Sprintf(" Chat with %s ", counterparty))
	} else {
		c.chatbox.SetTitle(" Chat History ")
	}
	c.status.SetText(formatStatus(c.controller.State(), identity, counterparty))
}

func formatTranscript(identity string, messages []model.Message) string {
	var b strings.Builder
	for _, m := range messages {
		if m.Sender == identity {
			fmt.Fprintf(&b, "[yellow]You:[-] %s\n", tview.Escape(m.Text))
		} else {
			fmt.Fprintf(&b, "[green]%s:[-] %s\n", tview.Escape(m.Sender), tview.Escape(m.Text))
		}
	}
	return b.String()
}

func formatStatus(state controller.State, identity, counterparty string) string {
	switch {
	case identity == "":
		return "[gray]not signed in[-]"
	case counterparty == "":
		return fmt.Sprintf("[gray]%s: pick someone to chat with[-]", tview.Escape(identity))
	case state == controller.Failed:
		return "[red]history unavailable, press Ctrl-R to retry[-]"
	case state == controller.Disconnected:
		return "[red]live updates stopped, press Ctrl-R to reconnect[-]"
	default:
		return fmt.Sprintf("[gray]%s: %s with %s[-]", state, tview.Escape(identity), tview.Escape(counterparty))
	}
}

func nextFocus(order []tview.Primitive, current tview.Primitive) tview.Primitive {
	for i, p := range order {
		if p == current {
			return order[(i+1)%len(order)]
		}
	}
	return order[0]
}

func describe(err error) string {
	var (
		authErr *apperr.AuthError
		netErr  *apperr.NetworkError
		chErr   *apperr.ChannelError
	)
	switch {
	case errors.As(err, &authErr):
		return "session expired or invalid, log in again"
	case errors.As(err, &netErr):
		return "failed to load chat history"
	case errors.Is(err, apperr.ErrNoConversation):
		return "pick someone to chat with first"
	case errors.As(err, &chErr):
		return "live connection problem: " + chErr.Err.Error()
	default:
		return err.Error()
	}
}
