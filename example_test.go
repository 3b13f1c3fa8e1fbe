package gaechannel_test

import (
	"context"
	"fmt"
	"time"

	gaechannel "github.com/mybop/gae-channel-go"
	"github.com/mybop/gae-channel-go/pkg/channeltest"
	"github.com/mybop/gae-channel-go/pkg/logging"
)

func ExampleNewDevChannel() {
	server := channeltest.NewDevServer("client-1")
	defer server.Close()

	received := make(chan string, 1)
	ch, err := gaechannel.NewDevChannel(server.URL(), "my-token",
		gaechannel.WithLogger(logging.Nop()),
		gaechannel.WithHandler(gaechannel.HandlerFuncs{
			Message: func(message string) { received <- message },
		}),
	)
	if err != nil {
		fmt.Println(err)
		return
	}

	if err := ch.Open(context.Background()); err != nil {
		fmt.Println(err)
		return
	}
	fmt.Println(ch.State(), ch.ClientID())

	server.Push("hello")
	select {
	case message := <-received:
		fmt.Println(message)
	case <-time.After(5 * time.Second):
		fmt.Println("timed out")
	}

	_ = ch.Close()
	fmt.Println(ch.State())
	// Output:
	// connected client-1
	// hello
	// not_connected
}

func ExampleParseMessage() {
	msg, err := gaechannel.ParseMessage(`[[3,["c",["session",["ae","hi"]]]]]`)
	if err != nil {
		fmt.Println(err)
		return
	}
	fmt.Println(msg.Len(), msg)
	// Output: 1 [[3,["c",["session",["ae","hi"]]]]]
}
