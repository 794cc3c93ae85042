package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/proctorly/proctorly-backend/internal/config"
	"github.com/proctorly/proctorly-backend/internal/service"
	"golang.org/x/term"
)

// mint-token signs a student or proctor JWT for local development and
// operational debugging. The signing secret comes from JWT_SECRET, or is
// prompted for interactively so it never lands in shell history.
func main() {
	cfg := config.Load()

	reader := bufio.NewReader(os.Stdin)

	fmt.Println("=== Mint Access Token ===")

	fmt.Print("Token type (student/proctor): ")
	typeStr, _ := reader.ReadString('\n')
	typeStr = strings.TrimSpace(typeStr)

	var tokenType service.TokenType
	switch typeStr {
	case "student":
		tokenType = service.TokenTypeStudent
	case "proctor":
		tokenType = service.TokenTypeProctor
	default:
		fmt.Println("Error: type must be 'student' or 'proctor'")
		os.Exit(1)
	}

	fmt.Print("User ID: ")
	idStr, _ := reader.ReadString('\n')
	userID, err := strconv.Atoi(strings.TrimSpace(idStr))
	if err != nil || userID <= 0 {
		fmt.Println("Error: user ID must be a positive integer")
		os.Exit(1)
	}

	if os.Getenv("JWT_SECRET") == "" {
		fmt.Print("JWT secret (hidden): ")
		secret, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil || len(secret) == 0 {
			fmt.Println("Error: secret is required")
			os.Exit(1)
		}
		cfg.JWTSecret = string(secret)
	}

	authService := service.NewAuthService(cfg)
	token, err := authService.GenerateToken(tokenType, userID)
	if err != nil {
		fmt.Printf("Error: sign token: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(token)
}
