package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strconv"
	"time"
)

// timeNowMillis 可在测试中替换
var timeNowMillis = func() int64 { return time.Now().UnixMilli() }

// SignParams 追加毫秒时间戳后按 key 排序编码，返回 query 与 HMAC-SHA256 签名（hex）。
func SignParams(params map[string]string, secret string) (string, string) {
	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	values.Set("timestamp", strconv.FormatInt(timeNowMillis(), 10))
	query := values.Encode()

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(query))
	return query, hex.EncodeToString(mac.Sum(nil))
}

func bodyDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
