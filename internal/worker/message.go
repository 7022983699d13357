package worker

import (
	"context"
	"encoding/json"
	"strings"
)

// Message 是客户端发往 worker 的控制消息。
type Message string

const (
	MessageSkipWaiting     Message = "skipWaiting"
	MessageDownloadOffline Message = "downloadOffline"
)

// Known 报告消息是否为 worker 识别的控制消息。
func (m Message) Known() bool {
	return m == MessageSkipWaiting || m == MessageDownloadOffline
}

// ParseMessage 解析控制通道的消息体：既接受裸字符串，也接受 {"data": "..."} 形式。
func ParseMessage(raw []byte) Message {
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "{") {
		var envelope struct {
			Data string `json:"data"`
		}
		if err := json.Unmarshal([]byte(trimmed), &envelope); err == nil {
			return Message(envelope.Data)
		}
	}
	var quoted string
	if err := json.Unmarshal([]byte(trimmed), &quoted); err == nil {
		return Message(quoted)
	}
	return Message(trimmed)
}

// HandleMessage 处理一条控制消息，返回值报告消息是否被识别。
func (w *Worker) HandleMessage(ctx context.Context, msg Message) (bool, error) {
	switch msg {
	case MessageSkipWaiting:
		w.SkipWaiting()
		return true, nil
	case MessageDownloadOffline:
		_, err := w.DownloadOffline(ctx)
		return true, err
	default:
		w.logger.WithFields(w.fields("message")).
			WithField("message", string(msg)).
			Debug("message_ignored")
		return false, nil
	}
}
