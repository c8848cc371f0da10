package jobs

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Payload はキューへ投入するジョブのディスパッチ情報です。
// ワーカーは常にコピーを受け取り、レコード本体は Store だけが持ちます。
type Payload struct {
	ID           string `json:"id"`
	InputRef     string `json:"inputRef"`
	Filename     string `json:"filename"`
	InputFormat  string `json:"inputFormat"`
	OutputFormat string `json:"outputFormat"`
	FileSize     int64  `json:"fileSize"`
}

// PayloadOf はジョブレコードからペイロードを作成します。
func PayloadOf(job *Job) Payload {
	return Payload{
		ID:           job.ID,
		InputRef:     job.InputRef,
		Filename:     job.Filename,
		InputFormat:  job.InputFormat,
		OutputFormat: job.OutputFormat,
		FileSize:     job.FileSize,
	}
}

// Validate は必須項目を確認します。
func (p Payload) Validate() error {
	switch {
	case p.ID == "":
		return fmt.Errorf("%w: payload.id is required", ErrInvalidUpdate)
	case p.InputRef == "":
		return fmt.Errorf("%w: payload.inputRef is required", ErrInvalidUpdate)
	case p.OutputFormat == "":
		return fmt.Errorf("%w: payload.outputFormat is required", ErrInvalidUpdate)
	}
	return nil
}

// EncodePayload はプロセス間受け渡し用に base64 化した JSON を返します。
func EncodePayload(p Payload) (string, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(body), nil
}

// DecodePayload は EncodePayload の逆変換です。
func DecodePayload(encoded string) (Payload, error) {
	var p Payload
	body, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return p, fmt.Errorf("failed to decode payload: %w", err)
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return p, fmt.Errorf("failed to parse payload: %w", err)
	}
	return p, p.Validate()
}
