package helpers

import (
	// Go Internal Packages

	"bufio"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"bpgateway/logger"
)

// Pass is empty place holder for no-op
func Pass() {
	// do nothing
}

// MD5 returns the MD5 hash of given string
func MD5(text string) string {
	hasher := md5.New()
	if _, err := io.WriteString(hasher, text); err != nil {
		panic(err)
	}
	return hex.EncodeToString(hasher.Sum(nil))
}

// PrintStruct prints a givens struct in pretty format with indent
func PrintStruct(v any) {
	res, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(res))
}

// Map applies a function to each item in a slice and returns a new slice
func Map[A any, B any](arr []A, f func(A) B) []B {
	result := make([]B, len(arr))
	for i, v := range arr {
		result[i] = f(v)
	}
	return result
}

func IsFileStable(filePath string, maxRetries int, retryInterval time.Duration, fileType ...string) (bool, error) {
	var lastSize int64 = -1
	for i := 0; i < maxRetries; i++ {
		info, err := os.Stat(filePath)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Println("File does not exist yet. Retrying...")
				time.Sleep(retryInterval)
				continue
			}
			return false, err
		}

		currentSize := info.Size()
		if currentSize == lastSize {
			return true, nil
		}
		lastSize = currentSize
		fmt.Println("File size still changing. Retrying...", fileType)
		time.Sleep(retryInterval)
	}
	return false, fmt.Errorf("file is not stable after %d retries", maxRetries)
}

func StdOutput(stdoutPipe io.ReadCloser) {
	if stdoutPipe == nil {
		fmt.Printf("stdoutPipe is nil\n")
		return
	}
	func() {
		scanner := bufio.NewScanner(stdoutPipe)
		for scanner.Scan() {
			line := scanner.Text()
			logger.Info("stdout", line)
		}
		if err := scanner.Err(); err != nil {
			logger.Error("error reading stdout", err)
		}
	}()
}

func StdError(stderrPipe io.ReadCloser) {
	if stderrPipe == nil {
		logger.Info("stderrPipe is nil", stderrPipe)
		return
	}
	func() {
		scanner := bufio.NewScanner(stderrPipe)
		for scanner.Scan() {
			line := scanner.Text()
			logger.Info("stderr", line)
		}
		if err := scanner.Err(); err != nil {
			logger.Error("error reading stderr", err)
		}
	}()
}
