// peer 命令行端：连接仲裁者，逐行读取命令并打印复制状态的变化
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"coopsync/client"
	"coopsync/lobby"
)

const usage = `commands:
  select <n>    choose a character slot
  ready         toggle ready
  aim <id>      aim at an object (empty to release)
  toggle <id>   toggle the aimed object
  show <id>     print an object's replicated state
  lobby         print the lobby view
  resend        resend the last command with the same seq
  quit`

func main() {
	var (
		addr    string
		room    string
		peer    string
		verbose bool
	)
	flag.StringVar(&addr, "url", "ws://localhost:8080/ws", "arbiter websocket url")
	flag.StringVar(&room, "room", "", "room id (default room when empty)")
	flag.StringVar(&peer, "peer", "", "peer id")
	flag.BoolVar(&verbose, "v", false, "debug logging")
	flag.Parse()
	if peer == "" {
		fmt.Fprintln(os.Stderr, "usage: peer -peer <name> [-url ws://host:port/ws] [-room id]")
		os.Exit(2)
	}

	zcfg := zap.NewDevelopmentConfig()
	if !verbose {
		zcfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	logger, err := zcfg.Build()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	log := logger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	c, err := client.Dial(dialCtx, client.Config{
		URL:    addr,
		Room:   room,
		Peer:   peer,
		Logger: log,
		OnEffect: func(e client.Effect) {
			fmt.Printf("* %s %v\n", e.Name, e.Params)
		},
	})
	if err == nil {
		err = c.WaitReady(dialCtx)
	}
	cancel()
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer c.Close()

	c.Lobby().StartedCell().Subscribe(func(_, started bool) {
		if started {
			fmt.Println("* session started")
		}
	})
	fmt.Printf("joined as seat %d (join code %s)\n%s\n", c.Seat(), c.Lobby().JoinCode(), usage)

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.Done():
			log.Warn("connection closed by arbiter")
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := execute(c, line); quit {
				return
			}
		}
	}
}

func execute(c *client.Client, line string) (quit bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}
	var err error
	switch fields[0] {
	case "select":
		n, convErr := strconv.Atoi(arg)
		if convErr != nil {
			fmt.Println("select: need a number")
			return false
		}
		err = c.SelectSlot(n)
	case "ready":
		if !c.CanConfirm() {
			fmt.Println("ready: slot not confirmable yet (arbiter will decide)")
		}
		err = c.ToggleReady()
	case "aim":
		err = c.Aim(arg)
	case "toggle":
		err = c.Toggle(arg)
	case "show":
		obj, ok := c.Object(arg)
		if !ok {
			fmt.Printf("%s: unknown object\n", arg)
			return false
		}
		fmt.Printf("%s kind=%s state=%s version=%d\n", obj.ID, obj.Kind, obj.Label(), obj.State.Version())
	case "lobby":
		printLobby(c)
	case "resend":
		err = c.Resend()
	case "quit", "exit":
		return true
	default:
		fmt.Println(usage)
	}
	if err != nil {
		fmt.Printf("%s: %v\n", fields[0], err)
	}
	return false
}

func printLobby(c *client.Client) {
	view := c.Lobby()
	for i := 0; i < lobby.SeatCount; i++ {
		seat, _ := view.Seat(i)
		slot := "-"
		if s := seat.Slot.Read(); s != lobby.Unselected {
			slot = strconv.Itoa(int(s))
		}
		mark := ""
		if i == c.Seat() {
			mark = " (you)"
		}
		fmt.Printf("seat %d%s slot=%s ready=%v\n", i, mark, slot, seat.Ready.Read())
	}
	fmt.Printf("started=%v canConfirm=%v\n", view.IsStarted(), c.CanConfirm())
}
