package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

func output(resp *structpb.Struct, opts options, human func(*structpb.Struct)) error {
	if !opts.json {
		human(resp)
		return nil
	}
	raw, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(resp)
	if err != nil {
		return fmt.Errorf("json encode: %w", err)
	}
	fmt.Println(string(raw))
	return nil
}

func list(s *structpb.Struct, key string) []*structpb.Struct {
	var out []*structpb.Struct
	for _, v := range s.GetFields()[key].GetListValue().GetValues() {
		out = append(out, v.GetStructValue())
	}
	return out
}

func gets(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

func getn(s *structpb.Struct, key string) int64 {
	return int64(s.GetFields()[key].GetNumberValue())
}

func printStatus(r *structpb.Struct) {
	fmt.Printf("Session:  %s\n", gets(r, "session"))
	fmt.Printf("State:    %s (since %s)\n", gets(r, "state"),
		time.UnixMilli(getn(r, "since_unix_ms")).Format(time.DateTime))
	if uid := getn(r, "user_id"); uid != 0 {
		fmt.Printf("Account:  id%d\n", uid)
	}
	fmt.Printf("Uptime:   %s\n", time.Duration(getn(r, "uptime_ms"))*time.Millisecond)
	fmt.Printf("Messages: %d\n", getn(r, "message_count"))
	fmt.Printf("Contacts: %d\n", getn(r, "contact_count"))
}

func printRoster(r *structpb.Struct) {
	entries := list(r, "entries")
	if len(entries) == 0 {
		fmt.Println("Roster is empty.")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "KIND\tID\tALIAS\tGROUP\tPRESENCE")
	for _, e := range entries {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n", gets(e, "kind"), getn(e, "id"), gets(e, "alias"), gets(e, "group"), gets(e, "presence"))
	}
	_ = w.Flush()
}

func printEntry(e *structpb.Struct) {
	fmt.Printf("%s %d: alias=%q group=%q\n", gets(e, "kind"), getn(e, "id"), gets(e, "alias"), gets(e, "group"))
}

func printDiff(r *structpb.Struct) {
	for _, k := range []string{"added", "updated", "removed"} {
		for _, e := range list(r, k) {
			fmt.Printf("%-8s ", k)
			printEntry(e)
		}
	}
}

func printMessage(m *structpb.Struct) {
	dir := "<"
	if gets(m, "direction") == "outbound" {
		dir = ">"
	}
	at := time.Unix(getn(m, "timestamp"), 0).Format(time.DateTime)
	fmt.Printf("%s %d %s [id%d] %s\n", at, getn(m, "id"), dir, getn(m, "sender_id"), gets(m, "body"))
	for _, a := range list(m, "attachments") {
		fmt.Printf("    %s %s %s\n", gets(a, "type"), gets(a, "url"), gets(a, "thumb_path"))
	}
}

func printMessages(r *structpb.Struct) {
	msgs := list(r, "messages")
	// Newest first on the wire; print oldest first.
	for i := len(msgs) - 1; i >= 0; i-- {
		printMessage(msgs[i])
	}
	if r.GetFields()["has_more"].GetBoolValue() && len(msgs) > 0 {
		fmt.Printf("(more: --before %d)\n", getn(msgs[len(msgs)-1], "id"))
	}
}

func printSearch(r *structpb.Struct) {
	for _, res := range list(r, "results") {
		m := res.GetFields()["message"].GetStructValue()
		fmt.Printf("peer %d msg %d: %s\n", getn(m, "peer"), getn(m, "id"), gets(res, "snippet"))
	}
}

func printOutbox(r *structpb.Struct) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "CLIENT ID\tPEER\tSTATUS\tDETAIL")
	for _, e := range list(r, "entries") {
		detail := gets(e, "error")
		if sid := gets(e, "captcha_sid"); sid != "" {
			detail = "captcha " + sid + " " + gets(e, "captcha_img")
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", gets(e, "client_msg_id"), getn(e, "peer"), gets(e, "status"), detail)
	}
	_ = w.Flush()
}
