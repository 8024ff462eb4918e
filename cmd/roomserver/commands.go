package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/mossy-p/roomserver/internal/auth"
)

func createAuthToken(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}

	role, ok := auth.ParseRole(c.String("role"))
	if !ok {
		return fmt.Errorf("unknown role %q", c.String("role"))
	}

	token, err := auth.NewService(conf.JWTSecret).IssueAuthToken(auth.AuthClaims{
		Username: c.String("username"),
		Role:     role,
	}, c.Duration("valid-for"))
	if err != nil {
		return err
	}

	fmt.Println("Auth token:", token)
	return nil
}

func createRoomToken(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}

	claims, token, err := auth.NewService(conf.JWTSecret).IssueRoomToken(c.String("room"), "", c.Duration("valid-for"))
	if err != nil {
		return err
	}

	fmt.Println("Room ID:   ", claims.RoomID)
	fmt.Println("Room token:", token)
	return nil
}
