package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tessro/relay/internal/client"
	"github.com/tessro/relay/internal/protocol"
)

var (
	sendFrom    string
	sendTo      string
	sendTopic   string
	sendMessage string
	sendWaitAck bool
	sendTimeout time.Duration
	sendMsgpack bool
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send a message through the relay",
	Long:  "Connect as an ephemeral agent and send one message to an agent, channel (#name), broadcast (*), or topic.",
	Args:  cobra.NoArgs,
	RunE:  runSend,
}

func runSend(cmd *cobra.Command, args []string) error {
	if sendTo == "" && sendTopic == "" {
		return fmt.Errorf("specify --to or --topic")
	}
	if sendMessage == "" {
		return fmt.Errorf("specify --message")
	}

	format := protocol.FormatJSON
	if sendMsgpack {
		format = protocol.FormatMsgpack
	}

	c, err := client.Dial(client.Options{
		Agent:  sendFrom,
		Entity: protocol.EntityUser,
		Format: format,
	})
	if err != nil {
		return err
	}
	defer c.Close()

	if sendTopic != "" {
		msgID, err := c.Publish(sendTopic, sendMessage)
		if err != nil {
			return err
		}
		fmt.Printf("published %s to topic %s\n", msgID, sendTopic)
		return nil
	}

	if sendWaitAck {
		ack, err := c.SendAndWaitAck(cmd.Context(), sendTo, sendMessage, sendTimeout)
		if err != nil {
			return err
		}
		fmt.Printf("acknowledged by %s\n", sendTo)
		if ack.ResponseData != nil {
			data, _ := json.MarshalIndent(ack.ResponseData, "", "  ")
			fmt.Println(string(data))
		}
		return nil
	}

	msgID, err := c.Send(sendTo, sendMessage)
	if err != nil {
		return err
	}
	fmt.Printf("sent %s to %s\n", msgID, sendTo)
	return nil
}

func init() {
	sendCmd.Flags().StringVar(&sendFrom, "from", "relay-cli", "Sender agent name")
	sendCmd.Flags().StringVar(&sendTo, "to", "", "Recipient: agent name, #channel, or *")
	sendCmd.Flags().StringVar(&sendTopic, "topic", "", "Publish to a topic instead of an addressee")
	sendCmd.Flags().StringVarP(&sendMessage, "message", "m", "", "Message body")
	sendCmd.Flags().BoolVar(&sendWaitAck, "wait-ack", false, "Block until the recipient acknowledges")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 30*time.Second, "Ack wait timeout")
	sendCmd.Flags().BoolVar(&sendMsgpack, "msgpack", false, "Use MessagePack framing")
	rootCmd.AddCommand(sendCmd)
}
