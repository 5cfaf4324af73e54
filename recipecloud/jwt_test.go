// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package recipecloud

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestJWTAuth_GenerateAndValidate(t *testing.T) {
	auth := NewJWTAuth("test-secret")
	userID := "user-123"
	deviceID := "device-456"

	token, err := auth.GenerateToken(userID, deviceID, time.Hour)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}
	if token == "" {
		t.Error("Generated token should not be empty")
	}

	claims, err := auth.ValidateToken(token)
	if err != nil {
		t.Fatalf("Failed to validate generated token: %v", err)
	}
	if claims.Subject != userID {
		t.Errorf("Expected user id %s, got %s", userID, claims.Subject)
	}
	if claims.DeviceID != deviceID {
		t.Errorf("Expected device id %s, got %s", deviceID, claims.DeviceID)
	}
	if claims.Issuer != "recipecloud" {
		t.Errorf("Expected issuer recipecloud, got %s", claims.Issuer)
	}
	if claims.ExpiresAt == nil {
		t.Fatal("Token should carry an expiration")
	}
	diff := claims.ExpiresAt.Time.Sub(time.Now().Add(time.Hour)).Abs()
	if diff > time.Second {
		t.Errorf("Token expiry off by more than 1s: %v", diff)
	}
}

func TestJWTAuth_ValidateToken_WrongSecret(t *testing.T) {
	token, err := NewJWTAuth("secret-a").GenerateToken("user", "device", time.Hour)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}
	if _, err := NewJWTAuth("secret-b").ValidateToken(token); err == nil {
		t.Error("Token signed with a different secret should not validate")
	}
}

func TestJWTAuth_ValidateToken_Expired(t *testing.T) {
	auth := NewJWTAuth("test-secret")
	token, err := auth.GenerateToken("user", "device", -time.Minute)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}
	if _, err := auth.ValidateToken(token); err == nil {
		t.Error("Expired token should not validate")
	}
}

func TestJWTAuth_ValidateToken_MissingClaims(t *testing.T) {
	auth := NewJWTAuth("test-secret")

	// Token without a device id claim.
	noDevice := jwt.NewWithClaims(jwt.SigningMethodHS256, &JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := noDevice.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}
	if _, err := auth.ValidateToken(signed); err == nil {
		t.Error("Token without did claim should not validate")
	}

	// Token without a subject claim.
	noUser := jwt.NewWithClaims(jwt.SigningMethodHS256, &JWTClaims{
		DeviceID: "device",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err = noUser.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}
	if _, err := auth.ValidateToken(signed); err == nil {
		t.Error("Token without sub claim should not validate")
	}
}

func TestJWTAuth_RequestExtraction(t *testing.T) {
	auth := NewJWTAuth("test-secret")
	token, err := auth.GenerateToken("user-123", "device-456", time.Hour)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}

	req := httptest.NewRequest("GET", "/recipes/changes", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	userID, err := auth.GetUserID(req)
	if err != nil {
		t.Fatalf("GetUserID failed: %v", err)
	}
	if userID != "user-123" {
		t.Errorf("Expected user-123, got %s", userID)
	}
	sourceID, err := auth.GetSourceID(req)
	if err != nil {
		t.Fatalf("GetSourceID failed: %v", err)
	}
	if sourceID != "device-456" {
		t.Errorf("Expected device-456, got %s", sourceID)
	}

	// Missing and malformed headers are rejected.
	bare := httptest.NewRequest("GET", "/recipes/changes", nil)
	if _, err := auth.GetUserID(bare); err == nil {
		t.Error("Request without Authorization header should be rejected")
	}
	bare.Header.Set("Authorization", "Basic abc")
	if _, err := auth.GetUserID(bare); err == nil {
		t.Error("Non-bearer Authorization header should be rejected")
	}
}
