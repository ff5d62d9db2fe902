package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/alcovechat/rtc-core/pkg/call"
	"github.com/alcovechat/rtc-core/pkg/client"
	"github.com/alcovechat/rtc-core/pkg/protocol"
)

var (
	relayURL = flag.String("relay", "ws://localhost:8080/ws", "Relay websocket URL")
	apiURL   = flag.String("api", "http://localhost:8080", "Relay REST URL")
	token    = flag.String("token", "", "Auth token (required)")
	userID   = flag.String("user", "", "User ID (required)")
	name     = flag.String("name", "", "Display name")
	keyPath  = flag.String("key", "./keys/identity.key", "Identity key file")
	stun     = flag.String("stun", "stun:stun.l.google.com:19302", "STUN server")
)

func main() {
	flag.Parse()

	if *token == "" || *userID == "" {
		log.Fatal("Error: -token and -user flags are required")
	}
	displayName := *name
	if displayName == "" {
		displayName = *userID
	}

	c := client.New(client.Config{
		RelayURL:    *relayURL,
		APIURL:      *apiURL,
		Token:       *token,
		UserID:      *userID,
		DisplayName: displayName,
		KeyPath:     *keyPath,
		STUNServers: []string{*stun},
	}, nil)

	c.OnMessage = func(msg protocol.ChatMessage, plaintext string) {
		fmt.Printf("\n💬 [%s] %s: %s\n> ", msg.ChatID, msg.FromUserID, plaintext)
	}
	c.OnDeleted = func(del protocol.MessageDeleted) {
		fmt.Printf("\n🧹 Message %s removed from %s (%s)\n> ", del.MessageID, del.ChatID, del.Reason)
	}
	c.OnIncomingCall = func(inc protocol.IncomingCall) {
		fmt.Printf("\n📞 Incoming %s call from %s. Type: accept %s | reject %s\n> ", inc.Kind, inc.FromUserID, inc.FromUserID, inc.FromUserID)
	}
	c.OnIncomingMesh = func(inc protocol.IncomingGroupCall) {
		fmt.Printf("\n🌐 %s started a group call in %s. Type: group %s\n> ", inc.FromUserID, inc.ChatID, inc.ChatID)
	}
	c.Calls().OnStateChange = func(peer string, state call.State) {
		fmt.Printf("\n📞 Call with %s: %s\n> ", peer, state)
	}

	if err := c.Connect(); err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer c.Close()

	fmt.Printf("✓ Connected to %s as %s\n", *relayURL, *userID)
	printHelp()
	repl(c)
}

func printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  msg <user> <chat> <text>        send a message")
	fmt.Println("  tmsg <user> <chat> <sec> <text> send an expiring message")
	fmt.Println("  call <user>                     start a voice call")
	fmt.Println("  accept <user> | reject <user>   answer an incoming call")
	fmt.Println("  end <user>                      hang up")
	fmt.Println("  group <chat> | leave <chat>     join or leave a group call")
	fmt.Println("  quit")
}

func repl(c *client.Client) {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			fmt.Print("> ")
			continue
		}

		var err error
		switch fields[0] {
		case "call", "accept", "reject", "end", "group", "leave":
			if len(fields) < 2 {
				err = fmt.Errorf("usage: %s <target>", fields[0])
			}
		}
		if err != nil {
			fmt.Printf("❌ %v\n> ", err)
			continue
		}
		switch fields[0] {
		case "msg":
			if len(fields) < 4 {
				err = fmt.Errorf("usage: msg <user> <chat> <text>")
				break
			}
			_, err = c.SendMessage(fields[1], fields[2], strings.Join(fields[3:], " "), 0)
		case "tmsg":
			if len(fields) < 5 {
				err = fmt.Errorf("usage: tmsg <user> <chat> <sec> <text>")
				break
			}
			var ttl time.Duration
			ttl, err = time.ParseDuration(fields[3] + "s")
			if err == nil {
				_, err = c.SendMessage(fields[1], fields[2], strings.Join(fields[4:], " "), ttl)
			}
		case "call":
			err = c.StartCall(fields[1], protocol.CallKindVoice)
		case "accept":
			err = c.AcceptCall(fields[1])
		case "reject":
			err = c.RejectCall(fields[1])
		case "end":
			err = c.EndCall(fields[1])
		case "group":
			err = c.JoinGroupCall(fields[1], protocol.CallKindVoice)
		case "leave":
			err = c.LeaveGroupCall(fields[1])
		case "quit", "exit":
			fmt.Println("Goodbye! 👋")
			return
		case "help":
			printHelp()
		default:
			err = fmt.Errorf("unknown command %q", fields[0])
		}
		if err != nil {
			fmt.Printf("❌ %v\n", err)
		}
		fmt.Print("> ")
	}
}
