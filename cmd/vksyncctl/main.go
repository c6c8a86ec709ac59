package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/vksync/internal/client"
	"github.com/matheus3301/vksync/internal/session"
	"github.com/spf13/pflag"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

type options struct {
	json     bool
	limit    int
	beforeID int64
	peer     string
	kind     string
	attach   []string
	refresh  bool
}

func main() {
	var opts options
	flags := pflag.NewFlagSet("vksyncctl", pflag.ContinueOnError)
	sessionFlag := flags.StringP("session", "s", "", "session name (overrides config default)")
	flags.BoolVar(&opts.json, "json", false, "output in JSON format")
	flags.IntVarP(&opts.limit, "limit", "n", 0, "page size for messages and search")
	flags.Int64Var(&opts.beforeID, "before", 0, "list messages older than this id")
	flags.StringVar(&opts.peer, "peer", "", "restrict search to a conversation (id<N> or chat<N>)")
	flags.StringVar(&opts.kind, "kind", "contact", "roster entry kind: contact or chat")
	flags.StringSliceVar(&opts.attach, "attach", nil, "attachment references for send, e.g. photo1_2")
	flags.BoolVar(&opts.refresh, "refresh", false, "roster sync: fetch remote state before reconciling")
	flags.Usage = func() { printUsage(flags) }

	if err := flags.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			os.Exit(0)
		}
		os.Exit(2)
	}

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flags.Args()
	if len(args) == 0 {
		printUsage(flags)
		os.Exit(1)
	}

	c, err := client.New(session.SocketPath(sessionName))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to daemon for session %q: %v\n", sessionName, err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	if args[0] == "watch" {
		prefix := ""
		if len(args) > 1 {
			prefix = args[1]
		}
		exitOn(cmdWatch(c, prefix, opts))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	exitOn(run(ctx, c, args, opts))
}

func exitOn(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage(flags *pflag.FlagSet) {
	fmt.Fprintln(os.Stderr, "usage: vksyncctl [--session <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                          Show session status")
	fmt.Fprintln(os.Stderr, "  logout                          Drop credentials and stop the session")
	fmt.Fprintln(os.Stderr, "  roster [list]                   Show the roster")
	fmt.Fprintln(os.Stderr, "  roster add|remove|clear <id>    Manual roster membership (--kind chat for conversations)")
	fmt.Fprintln(os.Stderr, "  roster rename <id> <alias>      Set a local alias")
	fmt.Fprintln(os.Stderr, "  roster move <id> <group>        Set a local group")
	fmt.Fprintln(os.Stderr, "  roster sync                     Run a membership pass (--refresh to fetch first)")
	fmt.Fprintln(os.Stderr, "  messages <peer>                 List messages of a conversation")
	fmt.Fprintln(os.Stderr, "  send <peer> <text>              Queue a message")
	fmt.Fprintln(os.Stderr, "  search <query>                  Full-text message search")
	fmt.Fprintln(os.Stderr, "  outbox                          Show pending sends")
	fmt.Fprintln(os.Stderr, "  captcha <client-id> <key>       Answer a captcha for a parked send")
	fmt.Fprintln(os.Stderr, "  typing <peer>                   Send a typing notification")
	fmt.Fprintln(os.Stderr, "  focus <peer> [open|close]       Report the active conversation")
	fmt.Fprintln(os.Stderr, "  away on|off                     Set the away flag")
	fmt.Fprintln(os.Stderr, "  watch [prefix]                  Stream events, e.g. watch message.")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "flags:")
	fmt.Fprint(os.Stderr, flags.FlagUsages())
}

func need(args []string, n int, usage string) error {
	if len(args) < n {
		return fmt.Errorf("usage: vksyncctl %s", usage)
	}
	return nil
}

func entryID(s string) (int64, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "chat"), "id")
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func run(ctx context.Context, c *client.Client, args []string, opts options) error {
	switch args[0] {
	case "status":
		resp, err := c.Session(ctx, "GetStatus", nil)
		if err != nil {
			return err
		}
		return output(resp, opts, printStatus)
	case "logout":
		resp, err := c.Session(ctx, "Logout", nil)
		if err != nil {
			return err
		}
		return output(resp, opts, func(r *structpb.Struct) {
			fmt.Println(r.GetFields()["message"].GetStringValue())
		})
	case "roster":
		return cmdRoster(ctx, c, args[1:], opts)
	case "messages":
		if err := need(args, 2, "messages <peer>"); err != nil {
			return err
		}
		req := map[string]any{"peer": args[1]}
		if opts.limit > 0 {
			req["limit"] = opts.limit
		}
		if opts.beforeID > 0 {
			req["before_id"] = opts.beforeID
		}
		resp, err := c.Messages(ctx, "ListMessages", req)
		if err != nil {
			return err
		}
		return output(resp, opts, printMessages)
	case "send":
		if err := need(args, 2, "send <peer> <text>"); err != nil {
			return err
		}
		attach := make([]any, len(opts.attach))
		for i, a := range opts.attach {
			attach[i] = a
		}
		resp, err := c.Messages(ctx, "SendMessage", map[string]any{
			"peer":        args[1],
			"text":        strings.Join(args[2:], " "),
			"attachments": attach,
		})
		if err != nil {
			return err
		}
		return output(resp, opts, func(r *structpb.Struct) {
			fmt.Printf("Queued: %s\n", r.GetFields()["client_msg_id"].GetStringValue())
		})
	case "search":
		if err := need(args, 2, "search <query>"); err != nil {
			return err
		}
		req := map[string]any{"query": strings.Join(args[1:], " ")}
		if opts.peer != "" {
			req["peer"] = opts.peer
		}
		if opts.limit > 0 {
			req["limit"] = opts.limit
		}
		resp, err := c.Messages(ctx, "SearchMessages", req)
		if err != nil {
			return err
		}
		return output(resp, opts, printSearch)
	case "outbox":
		resp, err := c.Messages(ctx, "ListOutbox", nil)
		if err != nil {
			return err
		}
		return output(resp, opts, printOutbox)
	case "captcha":
		if err := need(args, 3, "captcha <client-id> <key>"); err != nil {
			return err
		}
		_, err := c.Messages(ctx, "SolveCaptcha", map[string]any{"client_msg_id": args[1], "key": args[2]})
		return err
	case "typing":
		if err := need(args, 2, "typing <peer>"); err != nil {
			return err
		}
		_, err := c.Messages(ctx, "SendTyping", map[string]any{"peer": args[1]})
		return err
	case "focus":
		if err := need(args, 2, "focus <peer> [open|close|activate]"); err != nil {
			return err
		}
		req := map[string]any{"peer": args[1]}
		if len(args) > 2 {
			req["action"] = args[2]
		}
		_, err := c.Messages(ctx, "Focus", req)
		return err
	case "away":
		if err := need(args, 2, "away on|off"); err != nil {
			return err
		}
		var away bool
		switch args[1] {
		case "on":
			away = true
		case "off":
		default:
			return fmt.Errorf("usage: vksyncctl away on|off")
		}
		_, err := c.Messages(ctx, "SetAway", map[string]any{"away": away})
		return err
	default:
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func cmdRoster(ctx context.Context, c *client.Client, args []string, opts options) error {
	sub := "list"
	if len(args) > 0 {
		sub = args[0]
	}
	var (
		resp *structpb.Struct
		err  error
	)
	switch sub {
	case "list":
		resp, err = c.Roster(ctx, "ListRoster", nil)
		if err != nil {
			return err
		}
		return output(resp, opts, printRoster)
	case "sync":
		resp, err = c.Roster(ctx, "Reconcile", map[string]any{"refresh": opts.refresh})
	case "add", "remove", "clear":
		if err := need(args, 2, "roster "+sub+" <id>"); err != nil {
			return err
		}
		id, err := entryID(args[1])
		if err != nil {
			return err
		}
		method := map[string]string{"add": "AddEntry", "remove": "RemoveEntry", "clear": "ClearEntry"}[sub]
		resp, err = c.Roster(ctx, method, map[string]any{"kind": opts.kind, "id": id})
		if err != nil {
			return err
		}
	case "rename", "move":
		if err := need(args, 2, "roster "+sub+" <id> <value>"); err != nil {
			return err
		}
		id, err := entryID(args[1])
		if err != nil {
			return err
		}
		value := strings.Join(args[2:], " ")
		if sub == "rename" {
			resp, err = c.Roster(ctx, "RenameEntry", map[string]any{"kind": opts.kind, "id": id, "alias": value})
		} else {
			resp, err = c.Roster(ctx, "MoveEntry", map[string]any{"kind": opts.kind, "id": id, "group": value})
		}
		if err != nil {
			return err
		}
		return output(resp, opts, func(r *structpb.Struct) {
			printEntry(r.GetFields()["entry"].GetStructValue())
		})
	default:
		return fmt.Errorf("unknown roster subcommand: %s", sub)
	}
	if err != nil {
		return err
	}
	return output(resp, opts, printDiff)
}

func cmdWatch(c *client.Client, prefix string, opts options) error {
	return c.Watch(context.Background(), prefix, func(env *structpb.Struct) error {
		if opts.json {
			raw, err := protojson.Marshal(env)
			if err != nil {
				return err
			}
			fmt.Println(string(raw))
			return nil
		}
		f := env.GetFields()
		at := time.UnixMilli(int64(f["occurred_at_unix_ms"].GetNumberValue()))
		payload, _ := protojson.Marshal(f["payload"])
		fmt.Printf("%s %-28s %s\n", at.Format(time.TimeOnly), f["kind"].GetStringValue(), payload)
		return nil
	})
}
