package rpc

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/spruceid/siwe-go"
)

const sessionTTL = 12 * time.Hour

type Claims struct {
	UserWallet string `json:"userWallet"`
	jwt.StandardClaims
}

type verifyRequest struct {
	Message   string `json:"message" binding:"required"`
	Signature string `json:"signature" binding:"required"`
}

func (s *Server) nonce() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{
			"nonce": siwe.GenerateNonce(),
		})
	}
}

// verify exchanges a signed SIWE message for a session token.
func (s *Server) verify() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		req := verifyRequest{}
		if err := ctx.ShouldBindJSON(&req); err != nil {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		wallet, err := verifySiwe(req)
		if err != nil {
			ctx.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		claims := &Claims{
			UserWallet: wallet,
			StandardClaims: jwt.StandardClaims{
				ExpiresAt: time.Now().Add(sessionTTL).Unix(),
				IssuedAt:  time.Now().Unix(),
			},
		}
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		tokenString, err := token.SignedString(s.secret)
		if err != nil {
			ctx.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		ctx.JSON(http.StatusOK, gin.H{"token": tokenString})
	}
}

func verifySiwe(req verifyRequest) (string, error) {
	parsedMessage, err := siwe.ParseMessage(req.Message)
	if err != nil {
		return "", fmt.Errorf("parsing message: %w", err)
	}
	valid, err := parsedMessage.ValidNow()
	if err != nil {
		return "", fmt.Errorf("validating message: %w", err)
	}
	if !valid {
		return "", fmt.Errorf("message expired or not yet valid")
	}

	sigHash := accounts.TextHash([]byte(parsedMessage.String()))
	sigBytes, err := hexutil.Decode(req.Signature)
	if err != nil {
		return "", err
	}
	if len(sigBytes) != 65 {
		return "", fmt.Errorf("invalid signature length")
	}
	if sigBytes[64] == 27 || sigBytes[64] == 28 {
		sigBytes[64] -= 27
	}
	pubkey, err := crypto.SigToPub(sigHash, sigBytes)
	if err != nil {
		return "", err
	}
	addr := crypto.PubkeyToAddress(*pubkey)
	if addr != parsedMessage.GetAddress() {
		return "", fmt.Errorf("signature does not match message address")
	}
	return strings.ToLower(addr.Hex()), nil
}

// optionalAuth decodes a session token when present and leaves anonymous
// calls untouched. Methods that need an identity reject the empty wallet
// themselves.
func (s *Server) optionalAuth() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		tokenString := strings.TrimPrefix(ctx.GetHeader("Authorization"), "Bearer ")
		if tokenString == "" {
			ctx.Next()
			return
		}

		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("invalid signing method")
			}
			return s.secret, nil
		})
		if err != nil {
			ctx.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			ctx.Abort()
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok || !token.Valid {
			ctx.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token claims"})
			ctx.Abort()
			return
		}
		wallet, ok := claims["userWallet"].(string)
		if !ok {
			ctx.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token claims"})
			ctx.Abort()
			return
		}
		ctx.Set("userWallet", strings.ToLower(wallet))
		ctx.Next()
	}
}
