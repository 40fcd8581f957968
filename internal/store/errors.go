package store

import "errors"

var (
	// ErrNotFound 记录尚不存在（首次启动），与存储故障区分开。
	ErrNotFound = errors.New("record not found")

	// ErrInvalidKey key 为空或包含非法字符。
	ErrInvalidKey = errors.New("invalid record key")
)
