// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package engine

import (
	"net/http"

	"github.com/agilira/go-errors"
)

// Rejection codes carried on the wire in error payloads. The distinction
// between missing, empty, and malformed matters to clients fixing their
// integration, so they are not collapsed into one.
const (
	ErrCodeMissingKey   errors.ErrorCode = "MISSING_API_KEY"
	ErrCodeEmptyKey     errors.ErrorCode = "EMPTY_API_KEY"
	ErrCodeMalformedKey errors.ErrorCode = "MALFORMED_API_KEY"
	ErrCodeInvalidKey   errors.ErrorCode = "INVALID_API_KEY"
	ErrCodeIPBlocked    errors.ErrorCode = "IP_BLOCKED"
	ErrCodeRateLimited  errors.ErrorCode = "RATE_LIMIT_EXCEEDED"
)

// HTTPStatus maps a rejection code to its response status. Malformed keys
// are a client syntax error (400); missing, empty, and unknown keys are
// authentication failures (401); blocks and exhausted budgets are 429.
func HTTPStatus(code errors.ErrorCode) int {
	switch code {
	case ErrCodeMalformedKey:
		return http.StatusBadRequest
	case ErrCodeMissingKey, ErrCodeEmptyKey, ErrCodeInvalidKey:
		return http.StatusUnauthorized
	case ErrCodeIPBlocked, ErrCodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
