package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/matrixchat/matrixchat/internal/account"
	"github.com/matrixchat/matrixchat/internal/bus"
	"github.com/matrixchat/matrixchat/internal/config"
	"github.com/matrixchat/matrixchat/internal/logging"
	"github.com/matrixchat/matrixchat/internal/matrix"
	"github.com/matrixchat/matrixchat/internal/outbox"
	"github.com/matrixchat/matrixchat/internal/recovery"
	"github.com/matrixchat/matrixchat/internal/session"
	"github.com/matrixchat/matrixchat/internal/status"
	"github.com/matrixchat/matrixchat/internal/store"
	intsync "github.com/matrixchat/matrixchat/internal/sync"
	"github.com/matrixchat/matrixchat/internal/timeline"
)

// app bundles the one-shot command stack. Unlike the daemon there is no
// long-lived poller; commands that need fresh state run a single sync.
type app struct {
	cfg    *config.Config
	db     *store.DB
	client *matrix.Client
	rec    *intsync.Reconciler
	engine *intsync.Engine
	orch   *account.Orchestrator
	sender *outbox.Sender
	logger *zap.Logger
}

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	homeserverFlag := flag.String("homeserver", "", "homeserver base URL (overrides config)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fatal(err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	a, err := buildApp(sessionName, *homeserverFlag)
	if err != nil {
		fatal(err)
	}
	defer a.close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := a.run(ctx, args, *jsonFlag); err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func buildApp(sessionName, homeserverOverride string) (*app, error) {
	if err := session.EnsureDir(sessionName); err != nil {
		return nil, err
	}
	logger, err := logging.New(session.LogPath(sessionName), sessionName)
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		return nil, err
	}
	if homeserverOverride != "" {
		cfg.Homeserver = homeserverOverride
	}

	db, err := store.Open(session.StoreDBPath(sessionName))
	if err != nil {
		return nil, err
	}
	if _, err := db.Migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}

	b := bus.New()
	machine := status.NewMachine(b)
	client := matrix.NewClient(cfg.Homeserver, cfg.RequestTimeout())
	rec := intsync.NewReconciler(db, b, logger)
	engine := intsync.NewEngine(client, rec, db, b, logger, cfg.SyncInterval())
	rc := recovery.NewClient(cfg.Homeserver, cfg.RequestTimeout(), logger)
	orch := account.NewOrchestrator(client, rc, db, rec, engine, machine, b, logger)
	sender := outbox.NewSender(client, rec, engine, logger, orch.Session)

	return &app{
		cfg:    cfg,
		db:     db,
		client: client,
		rec:    rec,
		engine: engine,
		orch:   orch,
		sender: sender,
		logger: logger,
	}, nil
}

func (a *app) close() {
	a.engine.Stop()
	a.orch.Close()
	_ = a.db.Close()
	_ = a.logger.Sync()
}

// restore loads the persisted session. Commands that read or mutate rooms
// require an unlocked session; the PIN gate is enforced here too.
func (a *app) restore(ctx context.Context) error {
	if err := a.orch.Restore(ctx); err != nil {
		return err
	}
	switch a.orch.Status() {
	case status.LoggedOut:
		return fmt.Errorf("not logged in (run: matrixchatctl login <user> <password>)")
	case status.PinLocked:
		return fmt.Errorf("session is locked (run: matrixchatctl pin verify <pin>)")
	}
	return nil
}

// refresh runs one sync cycle so output reflects current server state.
func (a *app) refresh(ctx context.Context) {
	if err := a.engine.SyncOnce(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "warning: sync failed, showing cached state: %v\n", err)
	}
}

func (a *app) run(ctx context.Context, args []string, jsonOut bool) error {
	switch args[0] {
	case "login":
		return a.cmdLogin(ctx, args[1:])
	case "register":
		return a.cmdRegister(ctx, args[1:])
	case "logout":
		return a.cmdLogout(ctx)
	case "status":
		return a.cmdStatus(ctx, jsonOut)
	case "whoami":
		return a.cmdWhoami(ctx, jsonOut)
	case "rooms":
		return a.cmdRooms(ctx, jsonOut)
	case "messages":
		return a.cmdMessages(ctx, args[1:], jsonOut)
	case "send":
		return a.cmdSend(ctx, args[1:])
	case "send-image":
		return a.cmdSendImage(ctx, args[1:])
	case "retry":
		return a.cmdRetry(ctx, args[1:])
	case "delete":
		return a.cmdDelete(ctx, args[1:])
	case "join":
		return a.cmdJoin(ctx, args[1:])
	case "leave":
		return a.cmdLeave(ctx, args[1:])
	case "dm":
		return a.cmdDM(ctx, args[1:])
	case "search":
		return a.cmdSearch(ctx, args[1:], jsonOut)
	case "pin":
		return a.cmdPIN(ctx, args[1:])
	case "recovery":
		return a.cmdRecovery(ctx, args[1:])
	case "profile":
		return a.cmdProfile(ctx, args[1:])
	case "deactivate":
		return a.cmdDeactivate(ctx, args[1:])
	default:
		printUsage()
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: matrixchatctl [--session <name>] [--homeserver <url>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  login <user> <password>          Log in")
	fmt.Fprintln(os.Stderr, "  register <user> <password>       Create an account")
	fmt.Fprintln(os.Stderr, "  logout                           Log out and clear local state")
	fmt.Fprintln(os.Stderr, "  status                           Show session status")
	fmt.Fprintln(os.Stderr, "  whoami                           Show the logged-in user")
	fmt.Fprintln(os.Stderr, "  rooms                            List rooms")
	fmt.Fprintln(os.Stderr, "  messages <room> [limit]          Show a room's timeline")
	fmt.Fprintln(os.Stderr, "  send <room> <text...>            Send a message")
	fmt.Fprintln(os.Stderr, "  send-image <room> <file>         Send an image")
	fmt.Fprintln(os.Stderr, "  retry <room> <txn-id> <text...>  Retry a failed send")
	fmt.Fprintln(os.Stderr, "  delete <room> <event-id>         Delete a message")
	fmt.Fprintln(os.Stderr, "  join <room-or-alias>             Join a room")
	fmt.Fprintln(os.Stderr, "  leave <room>                     Leave a room")
	fmt.Fprintln(os.Stderr, "  dm <user>                        Start a direct chat")
	fmt.Fprintln(os.Stderr, "  search <term>                    Search the user directory")
	fmt.Fprintln(os.Stderr, "  pin set <pin> | pin verify <pin> Manage the local PIN gate")
	fmt.Fprintln(os.Stderr, "  recovery setup                   Generate a recovery phrase")
	fmt.Fprintln(os.Stderr, "  recovery recover <user> <new-password> <phrase...>")
	fmt.Fprintln(os.Stderr, "  profile name <display name...>   Set display name")
	fmt.Fprintln(os.Stderr, "  profile avatar <file>            Set avatar image")
	fmt.Fprintln(os.Stderr, "  deactivate <password>            Permanently delete the account")
}

func (a *app) cmdLogin(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: matrixchatctl login <user> <password>")
	}
	sess, err := a.orch.Login(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	fmt.Printf("Logged in as %s\n", sess.UserID)
	return nil
}

func (a *app) cmdRegister(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: matrixchatctl register <user> <password>")
	}
	sess, err := a.orch.Register(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	fmt.Printf("Registered as %s\n", sess.UserID)
	fmt.Println("Run `matrixchatctl recovery setup` to create your recovery phrase.")
	return nil
}

func (a *app) cmdLogout(ctx context.Context) error {
	if err := a.restore(ctx); err != nil {
		return err
	}
	if err := a.orch.Logout(ctx); err != nil {
		return err
	}
	fmt.Println("Logged out.")
	return nil
}

func (a *app) cmdStatus(ctx context.Context, jsonOut bool) error {
	_ = a.orch.Restore(ctx)

	sess := a.orch.Session()
	hasPIN, _ := a.orch.HasPIN()
	out := map[string]any{
		"status":     string(a.orch.Status()),
		"homeserver": a.cfg.Homeserver,
		"pin_gate":   hasPIN,
	}
	if sess != nil {
		out["user_id"] = sess.UserID
	}
	if jsonOut {
		return outputJSON(out)
	}
	fmt.Printf("Status:     %s\n", out["status"])
	fmt.Printf("Homeserver: %s\n", a.cfg.Homeserver)
	if sess != nil {
		fmt.Printf("User:       %s\n", sess.UserID)
	}
	fmt.Printf("PIN gate:   %v\n", hasPIN)
	return nil
}

func (a *app) cmdWhoami(ctx context.Context, jsonOut bool) error {
	if err := a.restore(ctx); err != nil {
		return err
	}
	sess := a.orch.Session()
	profile, err := a.client.Profile(ctx, sess, sess.UserID)
	if err != nil {
		profile = &matrix.UserProfile{}
	}
	if jsonOut {
		return outputJSON(map[string]any{
			"user_id":      sess.UserID,
			"device_id":    sess.DeviceID,
			"display_name": profile.DisplayName,
		})
	}
	fmt.Printf("User:         %s\n", sess.UserID)
	fmt.Printf("Device:       %s\n", sess.DeviceID)
	if profile.DisplayName != "" {
		fmt.Printf("Display name: %s\n", profile.DisplayName)
	}
	return nil
}

func (a *app) cmdRooms(ctx context.Context, jsonOut bool) error {
	if err := a.restore(ctx); err != nil {
		return err
	}
	a.refresh(ctx)

	list := a.orch.Rooms()
	sort.Slice(list, func(i, j int) bool {
		ti, tj := int64(0), int64(0)
		if list[i].LastEvent != nil {
			ti = list[i].LastEvent.Timestamp
		}
		if list[j].LastEvent != nil {
			tj = list[j].LastEvent.Timestamp
		}
		return ti > tj
	})

	if jsonOut {
		return outputJSON(list)
	}
	if len(list) == 0 {
		fmt.Println("No rooms.")
		return nil
	}
	for _, room := range list {
		marker := " "
		if room.Membership == "invite" {
			marker = "!"
		}
		unread := ""
		if room.NotificationCount > 0 {
			unread = fmt.Sprintf(" (%d unread)", room.NotificationCount)
		}
		preview := ""
		if room.LastEvent != nil {
			preview = " - " + truncate(room.LastEvent.Body, 40)
		}
		fmt.Printf("%s %-40s %s%s%s\n", marker, room.RoomID, room.Name, unread, preview)
	}
	return nil
}

func (a *app) cmdMessages(ctx context.Context, args []string, jsonOut bool) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: matrixchatctl messages <room> [limit]")
	}
	if err := a.restore(ctx); err != nil {
		return err
	}
	limit := 30
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid limit %q", args[1])
		}
		limit = n
	}

	events, err := a.orch.FetchMessages(ctx, args[0], limit)
	if err != nil {
		return err
	}
	if jsonOut {
		return outputJSON(events)
	}
	for _, ev := range events {
		ts := time.UnixMilli(ev.Timestamp).Format("2006-01-02 15:04")
		suffix := ""
		switch ev.Status {
		case timeline.StatusPending:
			suffix = " [sending]"
		case timeline.StatusError:
			suffix = " [failed, txn " + ev.TransactionID + "]"
		}
		fmt.Printf("%s  %-20s %s%s\n", ts, ev.SenderName, ev.DisplayBody, suffix)
	}
	return nil
}

func (a *app) cmdSend(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: matrixchatctl send <room> <text...>")
	}
	if err := a.restore(ctx); err != nil {
		return err
	}
	eventID, err := a.sender.SendText(ctx, args[0], strings.Join(args[1:], " "))
	if err != nil {
		return err
	}
	fmt.Printf("Sent %s\n", eventID)
	return nil
}

func (a *app) cmdSendImage(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: matrixchatctl send-image <room> <file>")
	}
	if err := a.restore(ctx); err != nil {
		return err
	}
	content, mimeType, name, err := readImageFile(args[1])
	if err != nil {
		return err
	}
	eventID, err := a.sender.SendImage(ctx, args[0], content, mimeType, name)
	if err != nil {
		return err
	}
	fmt.Printf("Sent %s\n", eventID)
	return nil
}

func (a *app) cmdRetry(ctx context.Context, args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: matrixchatctl retry <room> <txn-id> <text...>")
	}
	if err := a.restore(ctx); err != nil {
		return err
	}
	eventID, err := a.sender.Retry(ctx, args[0], args[1], strings.Join(args[2:], " "))
	if err != nil {
		return err
	}
	fmt.Printf("Sent %s\n", eventID)
	return nil
}

func (a *app) cmdDelete(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: matrixchatctl delete <room> <event-id>")
	}
	if err := a.restore(ctx); err != nil {
		return err
	}
	if err := a.sender.Delete(ctx, args[0], args[1]); err != nil {
		return err
	}
	fmt.Println("Deleted.")
	return nil
}

func (a *app) cmdJoin(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: matrixchatctl join <room-or-alias>")
	}
	if err := a.restore(ctx); err != nil {
		return err
	}
	roomID, err := a.orch.JoinRoom(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Joined %s\n", roomID)
	return nil
}

func (a *app) cmdLeave(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: matrixchatctl leave <room>")
	}
	if err := a.restore(ctx); err != nil {
		return err
	}
	if err := a.orch.LeaveRoom(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("Left %s\n", args[0])
	return nil
}

func (a *app) cmdDM(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: matrixchatctl dm <user>")
	}
	if err := a.restore(ctx); err != nil {
		return err
	}
	roomID, err := a.orch.StartDirectChat(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Direct room: %s\n", roomID)
	return nil
}

func (a *app) cmdSearch(ctx context.Context, args []string, jsonOut bool) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: matrixchatctl search <term>")
	}
	if err := a.restore(ctx); err != nil {
		return err
	}
	results, err := a.orch.SearchUsers(ctx, strings.Join(args, " "), 20)
	if err != nil {
		return err
	}
	if jsonOut {
		return outputJSON(results)
	}
	if len(results) == 0 {
		fmt.Println("No users found.")
		return nil
	}
	for _, res := range results {
		name := res.DisplayName
		if name == "" {
			name = matrix.DisplayNameFromID(res.UserID)
		}
		fmt.Printf("%-30s %s\n", res.UserID, name)
	}
	return nil
}

func (a *app) cmdPIN(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: matrixchatctl pin <set|verify> <pin>")
	}
	switch args[0] {
	case "set":
		if err := a.restore(ctx); err != nil {
			return err
		}
		if err := a.orch.SetPIN(args[1]); err != nil {
			return err
		}
		fmt.Println("PIN set.")
		return nil
	case "verify":
		if err := a.orch.Restore(ctx); err != nil {
			return err
		}
		ok, remaining, err := a.orch.VerifyPIN(ctx, args[1])
		if err != nil {
			return err
		}
		if ok {
			fmt.Println("PIN correct, session unlocked.")
			return nil
		}
		if remaining == 0 {
			return fmt.Errorf("too many incorrect attempts; local data wiped and session logged out")
		}
		return fmt.Errorf("incorrect PIN, %d attempts remaining", remaining)
	default:
		return fmt.Errorf("usage: matrixchatctl pin <set|verify> <pin>")
	}
}

func (a *app) cmdRecovery(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: matrixchatctl recovery <setup|recover> ...")
	}
	switch args[0] {
	case "setup":
		if err := a.restore(ctx); err != nil {
			return err
		}
		phrase, err := a.orch.SetupRecovery(ctx)
		if err != nil {
			return err
		}
		fmt.Println("Write these words down in order. They allow you to recover your")
		fmt.Println("account if you forget your password. They will not be shown again.")
		fmt.Println()
		for i, word := range strings.Fields(phrase) {
			fmt.Printf("  %2d. %s\n", i+1, word)
		}
		return nil
	case "recover":
		if len(args) < 4 {
			return fmt.Errorf("usage: matrixchatctl recovery recover <user> <new-password> <phrase...>")
		}
		user, newPassword := args[1], args[2]
		phrase := strings.Join(args[3:], " ")
		if err := a.orch.RecoverAccount(ctx, user, phrase, newPassword, a.client.ServerName()); err != nil {
			return err
		}
		fmt.Println("Password reset. Log in with your new password.")
		return nil
	default:
		return fmt.Errorf("usage: matrixchatctl recovery <setup|recover> ...")
	}
}

func (a *app) cmdProfile(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: matrixchatctl profile <name|avatar> ...")
	}
	if err := a.restore(ctx); err != nil {
		return err
	}
	switch args[0] {
	case "name":
		if err := a.orch.UpdateDisplayName(ctx, strings.Join(args[1:], " ")); err != nil {
			return err
		}
		fmt.Println("Display name updated.")
		return nil
	case "avatar":
		content, mimeType, name, err := readImageFile(args[1])
		if err != nil {
			return err
		}
		if err := a.orch.UpdateAvatar(ctx, content, mimeType, name); err != nil {
			return err
		}
		fmt.Println("Avatar updated.")
		return nil
	default:
		return fmt.Errorf("usage: matrixchatctl profile <name|avatar> ...")
	}
}

func readImageFile(path string) (content []byte, mimeType, name string, err error) {
	content, err = os.ReadFile(path)
	if err != nil {
		return nil, "", "", err
	}
	mimeType = mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = http.DetectContentType(content)
	}
	return content, mimeType, filepath.Base(path), nil
}

func (a *app) cmdDeactivate(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: matrixchatctl deactivate <password>")
	}
	if err := a.restore(ctx); err != nil {
		return err
	}
	fmt.Print("This permanently deletes the account and its data. Type the user id to confirm: ")
	var confirm string
	if _, err := fmt.Scanln(&confirm); err != nil {
		return err
	}
	if confirm != a.orch.Session().UserID {
		return fmt.Errorf("confirmation did not match, aborting")
	}
	if err := a.orch.DeleteAccount(ctx, args[0]); err != nil {
		return err
	}
	fmt.Println("Account deactivated.")
	return nil
}

func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
