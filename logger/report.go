package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type streamStat struct {
	messages int64
	bytes    int64
}

var (
	errorsStream int64
	errorsParse  int64
	warnsStream  int64
	framesRead   int64
	reconnects   int64
	streams      sync.Map // map[string]*streamStat keyed by "venue/channel"
)

func recordWarn(component string) {
	if strings.Contains(component, "stream") || strings.Contains(component, "venue") {
		atomic.AddInt64(&warnsStream, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "parser") {
		atomic.AddInt64(&errorsParse, 1)
	} else if strings.Contains(component, "stream") || strings.Contains(component, "venue") {
		atomic.AddInt64(&errorsStream, 1)
	}
}

// IncrementFrameRead counts one inbound transport frame and its size.
func IncrementFrameRead(venue string, size int) {
	atomic.AddInt64(&framesRead, 1)
	recordStream(venue, size)
}

// IncrementParseFailure counts one frame the venue parser rejected.
func IncrementParseFailure() {
	atomic.AddInt64(&errorsParse, 1)
}

// IncrementReconnect counts one completed reconnect cycle.
func IncrementReconnect() {
	atomic.AddInt64(&reconnects, 1)
}

// RecordStreamMessage attributes a frame to a named stream for reporting.
func RecordStreamMessage(name string, size int) {
	recordStream(name, size)
}

func recordStream(name string, size int) {
	v, _ := streams.LoadOrStore(name, &streamStat{})
	ss := v.(*streamStat)
	atomic.AddInt64(&ss.messages, 1)
	atomic.AddInt64(&ss.bytes, int64(size))
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of system and stream statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")
	netStats, _ := gnet.IOCounters(false)
	streamData := map[string]map[string]int64{}
	streams.Range(func(k, v any) bool {
		name := k.(string)
		ss := v.(*streamStat)
		streamData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&ss.messages),
			"bytes":    atomic.LoadInt64(&ss.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	bytesSent := uint64(0)
	bytesRecv := uint64(0)
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	fields := Fields{
		"errors_stream":  atomic.LoadInt64(&errorsStream),
		"errors_parse":   atomic.LoadInt64(&errorsParse),
		"warns_stream":   atomic.LoadInt64(&warnsStream),
		"frames_read":    atomic.LoadInt64(&framesRead),
		"reconnects":     atomic.LoadInt64(&reconnects),
		"goroutines":     runtime.NumGoroutine(),
		"cpu_percent":    cpuPct,
		"memory_mb":      int64(memStats.Used) / 1024 / 1024,
		"disk_mb":        int64(diskStats.Used) / 1024 / 1024,
		"streams":        streamData,
		"net_bytes_sent": int64(bytesSent),
		"net_bytes_recv": int64(bytesRecv),
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("DiskMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(diskStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsStream"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_stream"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsParse"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_parse"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("WarnsStream"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_stream"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("FramesRead"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["frames_read"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Reconnects"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["reconnects"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		cwtypes.MetricDatum{MetricName: aws.String("NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
	)

	for name, stats := range streamData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("StreamMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Stream"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("StreamBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Stream"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
