package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseOptions_DataDriven(t *testing.T) {
	type testCase struct {
		name    string
		args    []string
		env     string
		expect  options
		wantErr string
	}

	cases := []testCase{
		{
			name:   "defaults",
			args:   []string{},
			expect: options{Server: "http://localhost:8080", Mode: "technical", MinBufferedMS: 100, MaxWaitMS: 100},
		},
		{
			name:   "flags",
			args:   []string{"-s", "https://interview.example.com", "--mode", "behavioral", "--no-mic", "--no-speaker", "-d"},
			expect: options{Server: "https://interview.example.com", Mode: "behavioral", NoMic: true, NoAudio: true, Debug: true, MinBufferedMS: 100, MaxWaitMS: 100},
		},
		{
			name:   "server from env",
			env:    "ws://10.0.0.5:9000",
			expect: options{Server: "ws://10.0.0.5:9000", Mode: "technical", MinBufferedMS: 100, MaxWaitMS: 100},
		},
		{
			name:    "bad scheme",
			args:    []string{"--server", "ftp://example.com"},
			wantErr: "invalid --server",
		},
		{
			name:    "zero wait",
			args:    []string{"--max-wait-ms", "0"},
			wantErr: "must be > 0",
		},
		{
			name:    "unknown flag",
			args:    []string{"--voice", "x"},
			wantErr: "unknown flag",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("VAI_INTERVIEW_SERVER", tc.env)
			got, err := parseOptions(tc.args)
			if tc.wantErr != "" {
				assert.ErrorContains(t, err, tc.wantErr)
				return
			}
			assert.NoError(t, err)
			assert.EqualValues(t, tc.expect, got)
		})
	}
}

func TestRunMain_HelpAndUsageErrors(t *testing.T) {
	t.Setenv("VAI_INTERVIEW_SERVER", "")

	var stdout, stderr bytes.Buffer
	code := runMain([]string{"--help"}, strings.NewReader(""), &stdout, &stderr)
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout.String(), "--server")

	stdout.Reset()
	code = runMain([]string{"--mode", " "}, strings.NewReader(""), &stdout, &stderr)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr.String(), "--mode must not be empty")
}
