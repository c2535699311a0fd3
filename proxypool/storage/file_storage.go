package storage

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"relaypool/internal/shared/logger"
	"relaypool/proxypool/model"
)

const (
	delimiter = "|"
	numFields = 6 // Key|SuccessCount|FailCount|AvgResponseTime|LastSuccess|LastUsed
)

// Storage 接口定义了评分缓存持久化的行为。
type Storage interface {
	Load(ctx context.Context) (map[string]*model.ScoreRecord, error)
	Save(ctx context.Context, records map[string]*model.ScoreRecord) error
}

// FileStorage 实现了 Storage 接口，使用纯文本文件进行持久化。
type FileStorage struct {
	filePath string
	mu       sync.RWMutex
}

// NewFileStorage 创建一个新的 FileStorage 实例。
func NewFileStorage(filePath string) *FileStorage {
	return &FileStorage{
		filePath: filePath,
	}
}

// Load 从纯文本文件加载评分记录。文件不存在时返回空 map。
func (fs *FileStorage) Load(_ context.Context) (map[string]*model.ScoreRecord, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	l := logger.WithComponent("ProxyPool/Storage")

	file, err := os.Open(fs.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			l.Info().Str("path", fs.filePath).Msg("Score cache not found, starting cold.")
			return make(map[string]*model.ScoreRecord), nil
		}
		return nil, err
	}
	defer file.Close()

	records := make(map[string]*model.ScoreRecord)
	scanner := bufio.NewScanner(file)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if line == "" {
			continue
		}

		fields := strings.Split(line, delimiter)
		if len(fields) != numFields {
			l.Warn().Int("line", lineNum).Int("expected", numFields).Int("got", len(fields)).Msg("Skipping malformed line in score cache.")
			continue
		}

		rec, err := parseRecord(fields)
		if err != nil {
			l.Warn().Int("line", lineNum).Err(err).Msg("Failed to parse score record, skipping.")
			continue
		}
		records[rec.Key] = rec
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	l.Info().Int("count", len(records)).Msg("Loaded score cache from file.")
	return records, nil
}

// Save 将评分记录写入临时文件后原子替换目标文件。
func (fs *FileStorage) Save(_ context.Context, records map[string]*model.ScoreRecord) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	keys := make([]string, 0, len(records))
	for k, rec := range records {
		if rec != nil {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		rec := *records[k]
		rec.Key = k
		sb.WriteString(formatRecord(&rec))
		sb.WriteString("\n")
	}

	dir := filepath.Dir(fs.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create score cache dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(fs.filePath)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp score cache: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(sb.String()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write score cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close score cache: %w", err)
	}
	if err := os.Rename(tmpName, fs.filePath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace score cache: %w", err)
	}

	logger.WithComponent("ProxyPool/Storage").Debug().Int("count", len(keys)).Msg("Saved score cache to file.")
	return nil
}

// formatRecord 将 ScoreRecord 格式化为一行文本。时间戳使用 Unix 纳秒，零值写为 0。
func formatRecord(r *model.ScoreRecord) string {
	return strings.Join([]string{
		r.Key,
		strconv.Itoa(r.SuccessCount),
		strconv.Itoa(r.FailCount),
		strconv.FormatFloat(r.AvgResponseTime, 'g', -1, 64),
		formatTime(r.LastSuccess),
		formatTime(r.LastUsed),
	}, delimiter)
}

// parseRecord 从字符串切片解析出一个 ScoreRecord。
func parseRecord(fields []string) (*model.ScoreRecord, error) {
	if fields[0] == "" {
		return nil, fmt.Errorf("empty key")
	}
	success, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, fmt.Errorf("invalid success_count: %w", err)
	}
	fail, err := strconv.Atoi(fields[2])
	if err != nil {
		return nil, fmt.Errorf("invalid fail_count: %w", err)
	}
	avg, err := strconv.ParseFloat(fields[3], 64)
	if err != nil {
		return nil, fmt.Errorf("invalid avg_response_time: %w", err)
	}
	lastSuccess, err := parseTime(fields[4])
	if err != nil {
		return nil, fmt.Errorf("invalid last_success: %w", err)
	}
	lastUsed, err := parseTime(fields[5])
	if err != nil {
		return nil, fmt.Errorf("invalid last_used: %w", err)
	}
	return &model.ScoreRecord{
		Key:             fields[0],
		SuccessCount:    success,
		FailCount:       fail,
		AvgResponseTime: avg,
		LastSuccess:     lastSuccess,
		LastUsed:        lastUsed,
	}, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixNano(), 10)
}

func parseTime(s string) (time.Time, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	if n == 0 {
		return time.Time{}, nil
	}
	return time.Unix(0, n), nil
}
