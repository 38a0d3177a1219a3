package exchange

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
)

// Signer 对请求做 ED25519 指令签名。
// 签名串格式: instruction=<指令>&<按字典序排序的参数>&timestamp=<毫秒>&window=<毫秒>
type Signer struct {
	apiKey  string
	private ed25519.PrivateKey
}

// NewSigner 从 base64 编码的 32 字节种子构造签名器
func NewSigner(apiKey, secretKey string) (*Signer, error) {
	seed, err := base64.StdEncoding.DecodeString(secretKey)
	if err != nil {
		return nil, fmt.Errorf("解码 API 密钥失败: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("API 密钥长度错误: %d 字节, 期望 %d", len(seed), ed25519.SeedSize)
	}
	return &Signer{
		apiKey:  apiKey,
		private: ed25519.NewKeyFromSeed(seed),
	}, nil
}

// APIKey 返回 base64 公钥
func (s *Signer) APIKey() string {
	return s.apiKey
}

// Sign 生成请求签名（base64）
func (s *Signer) Sign(instruction string, params map[string]string, timestamp int64, window int64) string {
	var sb strings.Builder
	sb.WriteString("instruction=")
	sb.WriteString(instruction)

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteString("&")
		sb.WriteString(k)
		sb.WriteString("=")
		sb.WriteString(params[k])
	}

	fmt.Fprintf(&sb, "&timestamp=%d&window=%d", timestamp, window)

	sig := ed25519.Sign(s.private, []byte(sb.String()))
	return base64.StdEncoding.EncodeToString(sig)
}
