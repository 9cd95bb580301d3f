package settlement

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/sumanth-74/law-duel/config"
	"github.com/sumanth-74/law-duel/internal/models"
)

// Publisher 终局记录下游发布（排行榜、异步收件箱、统计）
type Publisher interface {
	PublishFinished(ctx context.Context, rec *models.MatchRecord) error
}

// NopPublisher 不发布
type NopPublisher struct{}

// PublishFinished 实现 Publisher
func (NopPublisher) PublishFinished(context.Context, *models.MatchRecord) error { return nil }

// NATSPublisher 通过 NATS 发布终局记录
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
}

// ConnectNATS 连接 NATS，服务端暂不可用时在后台重连
func ConnectNATS(cfg config.NATSConfig, logger zerolog.Logger) (*NATSPublisher, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("law-duel"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS连接断开")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("NATS已重连")
		}),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "连接NATS失败: %s", cfg.URL)
	}
	return &NATSPublisher{conn: nc, subject: cfg.Subject}, nil
}

// PublishFinished 实现 Publisher
func (p *NATSPublisher) PublishFinished(_ context.Context, rec *models.MatchRecord) error {
	data, err := EncodeRecord(rec, time.Now())
	if err != nil {
		return err
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		return eris.Wrapf(err, "发布终局记录 %s 失败", rec.MatchID)
	}
	return nil
}

// Close 发送缓冲区后关闭连接
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}

// EncodeRecord 终局记录编码为 protobuf Struct：{"emitted_at": ..., "record": {...}}
func EncodeRecord(rec *models.MatchRecord, emittedAt time.Time) ([]byte, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, eris.Wrap(err, "序列化终局记录失败")
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, eris.Wrap(err, "转换终局记录失败")
	}
	body, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, eris.Wrap(err, "构造终局记录失败")
	}

	envelope := &structpb.Struct{Fields: map[string]*structpb.Value{
		"emitted_at": structpb.NewStringValue(timestamppb.New(emittedAt).AsTime().Format(time.RFC3339Nano)),
		"record":     structpb.NewStructValue(body),
	}}
	data, err := proto.Marshal(envelope)
	if err != nil {
		return nil, eris.Wrap(err, "编码终局记录失败")
	}
	return data, nil
}

// DecodeRecord 解码 EncodeRecord 的输出
func DecodeRecord(data []byte) (*models.MatchRecord, error) {
	var envelope structpb.Struct
	if err := proto.Unmarshal(data, &envelope); err != nil {
		return nil, eris.Wrap(err, "解码终局记录失败")
	}
	body := envelope.GetFields()["record"].GetStructValue()
	if body == nil {
		return nil, eris.New("终局记录缺少 record 字段")
	}
	raw, err := json.Marshal(body.AsMap())
	if err != nil {
		return nil, eris.Wrap(err, "转换终局记录失败")
	}
	var rec models.MatchRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, eris.Wrap(err, "解析终局记录失败")
	}
	return &rec, nil
}
