package dispatch

import "time"

const (
	adaptiveAfterBatch  = 10
	adaptiveMaxCut      = 0.3
	adaptiveFloor       = 200 * time.Millisecond
	jitterLow           = 0.8
	jitterHigh          = 1.2
	backoffUnit         = 100 * time.Millisecond
	backoffJitterMax    = 100.0 // ms
	retryStagger        = 100 * time.Millisecond
	retryChunkPause     = 500 * time.Millisecond
	maxBackoffExponent  = 16
	maxRetryQueueLength = 1000
)

func jitter(d time.Duration, r Rand) time.Duration {
	return time.Duration(float64(d) * uniform(r, jitterLow, jitterHigh))
}

// staggerDelay is the launch skew applied before each task of a batch when
// jitter is enabled: delay/concurrency * U(0.8, 1.2).
func staggerDelay(delay time.Duration, concurrency int, r Rand) time.Duration {
	if concurrency < 1 {
		concurrency = 1
	}
	return jitter(delay/time.Duration(concurrency), r)
}

// adaptiveDelay is the pause between primary batches.
//
// Up to batch 10 the configured delay is used as is. After that it shrinks by up
// to 30% proportional to progress (sent/total), never below 200ms.
func adaptiveDelay(delay time.Duration, batch, sent, total int, jitterOn bool, r Rand) time.Duration {
	d := delay
	reduced := batch > adaptiveAfterBatch
	if reduced {
		p := 0.0
		if total > 0 {
			p = float64(sent) / float64(total)
		}
		if p > 1 {
			p = 1
		}
		d = time.Duration(float64(delay) * (1 - p*adaptiveMaxCut))
		d = max(d, adaptiveFloor)
	}
	if jitterOn {
		d = jitter(d, r)
		if reduced {
			d = max(d, adaptiveFloor)
		}
	}
	return d
}

// backoffDelay is the wait after a failed attempt (1-based):
// 2^attempt * 100ms + U(0, 100ms).
func backoffDelay(attempt int, r Rand) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > maxBackoffExponent {
		attempt = maxBackoffExponent
	}
	d := backoffUnit * time.Duration(1<<attempt)
	return d + time.Duration(r.Float64()*backoffJitterMax*float64(time.Millisecond))
}
