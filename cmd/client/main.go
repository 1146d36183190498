package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rivo/tview"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/cache"
	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/config"
	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/directory"
	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/keystore"
	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/model"
	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/relay"
	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/service/server"
	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/session"
	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/store"
	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/transport"
	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/utils/log"
)

// chatApp is the demo terminal messenger. It stands in for the real UI
// collaborator and drives the core only through the session facade.
type chatApp struct {
	app     *tview.Application
	chatbox *tview.TextView
	input   *tview.InputField

	sess   *session.Session
	userID string
	toID   string
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: client <user-id>")
		os.Exit(1)
	}
	userID := os.Args[1]

	cfg := config.LoadClient()
	log.Init(cfg.LogLevel)
	defer log.Sync()

	var toID string
	fmt.Print("Enter recipient's id: ")
	if _, err := fmt.Scan(&toID); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess := buildSession(ctx, cfg, userID)

	c := &chatApp{
		app:    tview.NewApplication(),
		sess:   sess,
		userID: userID,
		toID:   toID,
	}
	c.registerCallbacks()

	if err := sess.Login(ctx); err != nil {
		log.Fatal("login failed", zap.Error(err))
	}
	defer sess.Logout()

	c.renderUI(ctx)
}

// buildSession assembles the core's dependency graph from configuration.
func buildSession(ctx context.Context, cfg *config.Client, userID string) *session.Session {
	// The demo mints its own bearer token; production clients get one from
	// the auth service and pass it through the same credential func.
	token, err := server.IssueToken(cfg.JWTSecret, userID, 24*time.Hour)
	if err != nil {
		log.Fatal("mint dev token", zap.Error(err))
	}
	cred := func() (string, error) { return token, nil }

	// Per-user identity file so several demo clients can share a machine.
	idPath := filepath.Join(filepath.Dir(cfg.IdentityPath), userID+"-"+filepath.Base(cfg.IdentityPath))

	var keyCache cache.Cache
	if cfg.RedisAddr == "" {
		keyCache = cache.NewMemory(cfg.KeyCacheTTL)
	} else {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		keyCache = cache.NewRedis(rdb, cfg.KeyCacheTTL)
	}

	var msgStore store.Store
	if cfg.MongoURI == "" {
		msgStore = store.NewMemory()
	} else {
		connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		client, err := mongo.Connect(connCtx, options.Client().ApplyURI(cfg.MongoURI))
		if err == nil {
			err = client.Ping(connCtx, nil)
		}
		if err != nil {
			log.Fatal("mongo unreachable", zap.Error(err))
		}
		ms := store.NewMongo(client.Database(cfg.MongoDatabase))
		if err := ms.EnsureIndexes(connCtx); err != nil {
			log.Fatal("create indexes", zap.Error(err))
		}
		msgStore = ms
	}

	return session.New(session.Params{
		UserID:         userID,
		Keys:           keystore.New(idPath),
		Store:          msgStore,
		Relay:          relay.NewClient(cfg.ServerURL, cred),
		Directory:      directory.NewClient(cfg.ServerURL, cred, keyCache),
		Transport:      transport.New(cfg.WebsocketURL, userID, cred, cfg.TransportRetryBase),
		QueueRetryBase: cfg.QueueRetryBase,
	})
}

func (c *chatApp) registerCallbacks() {
	c.sess.OnMessage(func(msg *model.LocalMessage) {
		if msg.SenderID == c.userID {
			return
		}
		if msg.Undecryptable {
			c.appendLine("[red]%s sent a message that could not be decrypted[-]", msg.SenderID)
			return
		}
		c.appendLine("[green]%s:[-] %s", msg.SenderID, msg.Body)
	})
	c.sess.OnDelivered(func(messageID string, _ time.Time) {
		c.appendLine("[gray]delivered %s[-]", messageID)
	})
	c.sess.OnRead(func(messageID string, _ time.Time) {
		c.appendLine("[gray]read %s[-]", messageID)
	})
	c.sess.OnPresence(func(userID string, online bool) {
		state := "offline"
		if online {
			state = "online"
		}
		c.appendLine("[gray]%s is %s[-]", userID, state)
	})
	c.sess.OnTyping(func(userID string, typing bool) {
		if typing {
			c.appendLine("[gray]%s is typing...[-]", userID)
		}
	})
	c.sess.OnSendFailed(func(messageID string, err error) {
		c.appendLine("[red]message %s failed: %v[-]", messageID, err)
	})
	c.sess.OnOffline(func() {
		c.appendLine("[red]connection lost; messages will be queued[-]")
	})
}

// renderUI blocks until the user quits.
func (c *chatApp) renderUI(ctx context.Context) {
	c.chatbox = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	c.chatbox.SetBorder(true).SetTitle(fmt.Sprintf(" Chat with %s ", c.toID))

	c.input = tview.NewInputField().
		SetLabel("Message: ").
		SetFieldWidth(0)
	c.input.SetBorder(true).SetTitle(" New Message ")

	c.input.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		text := c.input.GetText()
		if text == "" {
			return
		}

		go func(msg string) {
			if _, err := c.sess.Send(ctx, c.toID, msg, nil); err != nil {
				c.appendLine("[red]send failed: %v[-]", err)
				return
			}
			c.appendLine("[yellow]You:[-] %s", msg)
		}(text)
		c.input.SetText("")
	})

	layout := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(c.chatbox, 0, 1, false).
		AddItem(c.input, 3, 0, true)

	if err := c.app.SetRoot(layout, true).SetFocus(c.input).Run(); err != nil {
		log.Fatal("cannot init app", zap.Error(err))
	}
}

func (c *chatApp) appendLine(format string, args ...any) {
	c.app.QueueUpdateDraw(func() {
		fmt.Fprintf(c.chatbox, format+"\n", args...)
		c.chatbox.ScrollToEnd()
	})
}
